// Package extract holds the site-specific parsing glue: CSS selectors that
// turn listing pages into item links and item pages into records.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Selectors locate the fields on a page. Each selector is a goquery CSS selector.
type Selectors struct {
	ItemLink        string
	SubcategoryLink string
	SubcategoryText string
	Name            string
	PriceBounds     string
	MedianPrice     string
	Description     string
}

// DefaultSelectors match the Vendr marketplace markup.
func DefaultSelectors() Selectors {
	return Selectors{
		ItemLink:        `a[href*="/marketplace/"]`,
		SubcategoryLink: `a[class*="rt-Link"]`,
		SubcategoryText: "View more",
		Name:            `h1[class*="rt-Heading"]`,
		PriceBounds:     `div[class*="_rangeSlider_"] span`,
		MedianPrice:     `div[class*="rt-Flex rt-r-ai-end rt-r-gap-2"] > span`,
		Description:     `p[class*="rt-Text"]`,
	}
}

// HTML implements crawler.Extractor and crawler.ListingParser with goquery.
type HTML struct {
	sel Selectors
}

// New builds an HTML extractor; zero-valued selectors fall back to the defaults.
func New(sel Selectors) *HTML {
	def := DefaultSelectors()
	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	fill(&sel.ItemLink, def.ItemLink)
	fill(&sel.SubcategoryLink, def.SubcategoryLink)
	fill(&sel.SubcategoryText, def.SubcategoryText)
	fill(&sel.Name, def.Name)
	fill(&sel.PriceBounds, def.PriceBounds)
	fill(&sel.MedianPrice, def.MedianPrice)
	fill(&sel.Description, def.Description)
	return &HTML{sel: sel}
}

// ExtractRecord parses an item page into a validated Record.
func (h *HTML) ExtractRecord(resp crawler.FetchResponse, item crawler.WorkItem) (crawler.Record, error) {
	doc, err := parse(resp.Body)
	if err != nil {
		return crawler.Record{}, err
	}

	fields := crawler.RecordFields{
		Name:        firstText(doc, h.sel.Name),
		Category:    item.Category,
		MedianPrice: firstText(doc, h.sel.MedianPrice),
		Description: firstText(doc, h.sel.Description),
		SourceURL:   item.URL,
	}
	bounds := doc.Find(h.sel.PriceBounds)
	if bounds.Length() >= 2 {
		low := strings.TrimSpace(bounds.First().Text())
		high := strings.TrimSpace(bounds.Last().Text())
		if low != "" && high != "" {
			fields.PriceRange = low + "-" + high
		}
	}

	rec, err := crawler.NewRecord(fields)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("extract %s: %w", item.URL, err)
	}
	return rec, nil
}

// ItemLinks returns absolute, de-duplicated item links in document order.
func (h *HTML) ItemLinks(resp crawler.FetchResponse) ([]string, error) {
	doc, err := parse(resp.Body)
	if err != nil {
		return nil, err
	}
	return collectLinks(doc.Find(h.sel.ItemLink), resp.URL), nil
}

// SubcategoryLinks returns the "view more" listing roots found on a category page.
func (h *HTML) SubcategoryLinks(resp crawler.FetchResponse) ([]string, error) {
	doc, err := parse(resp.Body)
	if err != nil {
		return nil, err
	}
	matches := doc.Find(h.sel.SubcategoryLink).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), h.sel.SubcategoryText)
	})
	return collectLinks(matches, resp.URL), nil
}

func parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func firstText(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

func collectLinks(sel *goquery.Selection, base string) []string {
	seen := make(map[string]struct{})
	var links []string
	sel.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		abs, err := crawler.ResolveURL(base, href)
		if err != nil {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}
