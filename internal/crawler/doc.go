// Package crawler defines the value types and collaborator interfaces shared by
// the crawl pipeline: work items, records, fetch requests and the narrow
// interfaces each stage depends on.
package crawler
