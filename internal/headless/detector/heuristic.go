// Package detector decides when a statically fetched page must be re-fetched
// in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	defaultSmallBody = 2048
	// scriptShare is the percentage of a small page taken by inline script
	// above which the page is assumed to be an unrendered shell.
	scriptShare = 25
)

// appRoots are mount points of client-rendered frameworks.
var appRoots = []string{"#__next", "#root", "#app", "[data-reactroot]"}

// Heuristic promotes a page when it looks like a client-rendered shell.
// When Expect selectors are set, a page matching any of them is considered
// rendered regardless of the other rules.
type Heuristic struct {
	SmallBody int
	Expect    []string
}

// NewHeuristic builds a detector. smallBody <= 0 selects the default of
// 2048 bytes; empty expect selectors are ignored.
func NewHeuristic(smallBody int, expect ...string) *Heuristic {
	if smallBody <= 0 {
		smallBody = defaultSmallBody
	}
	h := &Heuristic{SmallBody: smallBody}
	for _, sel := range expect {
		if strings.TrimSpace(sel) != "" {
			h.Expect = append(h.Expect, sel)
		}
	}
	return h
}

// ShouldPromote reports whether resp needs a headless render. Only 200
// responses are considered.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if len(h.Expect) > 0 {
		return !matchesAny(doc, h.Expect)
	}
	if len(resp.Body) < h.SmallBody && scriptHeavy(doc, len(resp.Body)) {
		return true
	}
	return matchesAny(doc, appRoots) && blankRoot(doc)
}

func matchesAny(doc *goquery.Document, selectors []string) bool {
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// blankRoot is true when every app mount point has no visible text.
func blankRoot(doc *goquery.Document) bool {
	blank := true
	doc.Find(strings.Join(appRoots, ", ")).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != "" {
			blank = false
		}
		return blank
	})
	return blank
}

func scriptHeavy(doc *goquery.Document, size int) bool {
	scripted := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err == nil {
			scripted += len(html)
		}
	})
	return scripted > 0 && scripted*100/size >= scriptShare
}
