package catalog

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

// Selectors locate the parts of listing and record pages. Empty fields fall
// back to DefaultSelectors.
type Selectors struct {
	ListItem  string `mapstructure:"list_item"`
	ListCode  string `mapstructure:"list_code"`
	ListTitle string `mapstructure:"list_title"`
	ListDate  string `mapstructure:"list_date"`
	Title     string `mapstructure:"title"`
	Cover     string `mapstructure:"cover"`
	Info      string `mapstructure:"info"`
	InfoLabel string `mapstructure:"info_label"`
	Genres    string `mapstructure:"genres"`
	Idols     string `mapstructure:"idols"`
	Samples   string `mapstructure:"samples"`
	Magnets   string `mapstructure:"magnets"`
}

// DefaultSelectors match the catalog site's current markup.
var DefaultSelectors = Selectors{
	ListItem:  "a.movie-box",
	ListCode:  "date:first-of-type",
	ListTitle: "img",
	ListDate:  "date:nth-of-type(2)",
	Title:     "div.container h3",
	Cover:     "a.bigImage",
	Info:      "div.info p",
	InfoLabel: "span.header",
	Genres:    "span.genre a",
	Idols:     "div.star-name a",
	Samples:   "#sample-waterfall a.sample-box",
	Magnets:   "#magnet-table tr",
}

// withDefaults fills empty selectors.
func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&s.ListItem, d.ListItem)
	fill(&s.ListCode, d.ListCode)
	fill(&s.ListTitle, d.ListTitle)
	fill(&s.ListDate, d.ListDate)
	fill(&s.Title, d.Title)
	fill(&s.Cover, d.Cover)
	fill(&s.Info, d.Info)
	fill(&s.InfoLabel, d.InfoLabel)
	fill(&s.Genres, d.Genres)
	fill(&s.Idols, d.Idols)
	fill(&s.Samples, d.Samples)
	fill(&s.Magnets, d.Magnets)
	return s
}

// parseListing extracts the items of one listing page. Items without a
// recognizable code are skipped.
func parseListing(body []byte, pageURL *url.URL, sel Selectors) ([]crawler.ItemSummary, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	items := []crawler.ItemSummary{}
	seen := make(map[string]struct{})
	doc.Find(sel.ListItem).Each(func(_ int, item *goquery.Selection) {
		href, _ := item.Attr("href")
		code := crawler.NormalizeCode(item.Find(sel.ListCode).First().Text())
		if code == "" && href != "" {
			code = crawler.NormalizeCode(path.Base(strings.TrimSuffix(href, "/")))
		}
		if code == "" || code == "." || code == "/" {
			return
		}
		if _, dup := seen[code]; dup {
			return
		}
		seen[code] = struct{}{}
		title, ok := item.Find(sel.ListTitle).First().Attr("title")
		if !ok {
			title = strings.TrimSpace(item.Find(sel.ListTitle).First().Text())
		}
		items = append(items, crawler.ItemSummary{
			Code:  code,
			Title: strings.TrimSpace(title),
			Link:  resolve(pageURL, href),
			Date:  strings.TrimSpace(item.Find(sel.ListDate).First().Text()),
		})
	})
	return items, nil
}

// parseRecord extracts a record page. ImageURLs holds the cover followed by
// the sample images.
func parseRecord(body []byte, pageURL *url.URL, code string, sel Selectors) (crawler.FullRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.FullRecord{}, fmt.Errorf("parse record: %w", err)
	}
	rec := crawler.FullRecord{
		Record: crawler.Record{
			ID:          code,
			Title:       strings.TrimSpace(doc.Find(sel.Title).First().Text()),
			Director:    map[string]string{},
			Studio:      map[string]string{},
			Label:       map[string]string{},
			Series:      map[string]string{},
			Genres:      map[string]string{},
			Idols:       map[string]string{},
			MagnetLinks: []crawler.MagnetLink{},
		},
		ImageURLs: []string{},
	}
	if rec.Title == "" {
		return crawler.FullRecord{}, fmt.Errorf("record %s: no title found", code)
	}

	if cover, ok := doc.Find(sel.Cover).First().Attr("href"); ok && cover != "" {
		rec.Cover = resolve(pageURL, cover)
		rec.ImageURLs = append(rec.ImageURLs, rec.Cover)
	}

	doc.Find(sel.Info).Each(func(_ int, p *goquery.Selection) {
		label := normalizeLabel(p.Find(sel.InfoLabel).First().Text())
		if label == "" {
			return
		}
		switch label {
		case "id":
			if id := crawler.NormalizeCode(infoValue(p, sel.InfoLabel)); id != "" {
				rec.ID = id
			}
		case "release date":
			rec.ReleaseDate = infoValue(p, sel.InfoLabel)
		case "length":
			rec.Length = infoValue(p, sel.InfoLabel)
		case "director":
			collectLinks(p.Find("a"), pageURL, rec.Director)
		case "studio":
			collectLinks(p.Find("a"), pageURL, rec.Studio)
		case "label":
			collectLinks(p.Find("a"), pageURL, rec.Label)
		case "series":
			collectLinks(p.Find("a"), pageURL, rec.Series)
		}
	})
	collectLinks(doc.Find(sel.Genres), pageURL, rec.Genres)
	collectLinks(doc.Find(sel.Idols), pageURL, rec.Idols)

	doc.Find(sel.Samples).Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok && href != "" {
			rec.ImageURLs = append(rec.ImageURLs, resolve(pageURL, href))
		}
	})

	doc.Find(sel.Magnets).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		anchor := cells.Eq(0).Find("a").First()
		link, _ := anchor.Attr("href")
		if !strings.HasPrefix(link, "magnet:") {
			return
		}
		rec.MagnetLinks = append(rec.MagnetLinks, crawler.MagnetLink{
			Name: strings.TrimSpace(anchor.Text()),
			Link: link,
			Size: strings.TrimSpace(cells.Eq(1).Text()),
			Date: strings.TrimSpace(cells.Eq(2).Text()),
		})
	})
	return rec, nil
}

func normalizeLabel(raw string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), ":")))
}

// infoValue is the paragraph text with its label removed.
func infoValue(p *goquery.Selection, labelSel string) string {
	full := p.Text()
	label := p.Find(labelSel).First().Text()
	return strings.TrimSpace(strings.Replace(full, label, "", 1))
}

func collectLinks(anchors *goquery.Selection, base *url.URL, into map[string]string) {
	anchors.Each(func(_ int, a *goquery.Selection) {
		name := strings.TrimSpace(a.Text())
		if name == "" {
			return
		}
		href, _ := a.Attr("href")
		into[name] = resolve(base, href)
	})
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
