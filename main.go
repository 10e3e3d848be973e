// Command catalog-crawler crawls catalog pages into a local record store.
package main

import (
	"os"

	"github.com/JakeFAU/catalog-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
