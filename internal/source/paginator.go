package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// ErrExhausted is returned by Paginator.Next once an empty page has been
// seen, and on every call after that.
var ErrExhausted = errors.New("pagination exhausted")

// Paginator walks the pages of one listing root, one page per Next call,
// starting at page 1. It stops at the first page without item links and
// cannot be rewound.
type Paginator struct {
	root    string
	fetcher crawler.Fetcher
	parser  crawler.ListingParser
	page    int
	err     error
}

// NewPaginator builds a cursor positioned before page 1.
func NewPaginator(root string, fetcher crawler.Fetcher, parser crawler.ListingParser) *Paginator {
	return &Paginator{root: root, fetcher: fetcher, parser: parser}
}

// Page returns the number of the last page fetched.
func (p *Paginator) Page() int {
	return p.page
}

// Next fetches the next page and returns its item links.
func (p *Paginator) Next(ctx context.Context) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.page++
	pageURL, err := PageURL(p.root, p.page)
	if err != nil {
		return nil, p.stop(err)
	}
	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL})
	if err != nil {
		return nil, p.stop(fmt.Errorf("fetch page %d of %s: %w", p.page, p.root, err))
	}
	links, err := p.parser.ItemLinks(resp)
	if err != nil {
		return nil, p.stop(fmt.Errorf("parse page %d of %s: %w", p.page, p.root, err))
	}
	if len(links) == 0 {
		return nil, p.stop(ErrExhausted)
	}
	return links, nil
}

// stop makes the cursor terminal. Later calls report exhaustion.
func (p *Paginator) stop(err error) error {
	p.err = ErrExhausted
	return err
}

// PageURL returns the URL of page n for a listing root. A trailing page
// number in the query or path is replaced; otherwise a page query
// parameter is set.
func PageURL(root string, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("page %d: pages start at 1", n)
	}
	u, err := url.Parse(root)
	if err != nil {
		return "", fmt.Errorf("parse listing root: %w", err)
	}
	page := strconv.Itoa(n)
	switch {
	case u.RawQuery != "" && numericTail(u.RawQuery, "=&"):
		u.RawQuery = u.RawQuery[:len(u.RawQuery)-trailingDigits(u.RawQuery)] + page
	case u.RawQuery == "" && numericTail(u.Path, "/"):
		u.Path = u.Path[:len(u.Path)-trailingDigits(u.Path)] + page
		u.RawPath = ""
	default:
		q := u.Query()
		q.Set("page", page)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// numericTail reports whether s ends in a run of digits directly preceded by
// one of the separators, e.g. "page=2" or "/page/2".
func numericTail(s, separators string) bool {
	n := trailingDigits(s)
	if n == 0 || n == len(s) {
		return false
	}
	return strings.ContainsRune(separators, rune(s[len(s)-n-1]))
}

func trailingDigits(s string) int {
	return len(s) - len(strings.TrimRight(s, "0123456789"))
}
