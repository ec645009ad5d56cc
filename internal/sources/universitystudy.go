package sources

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/fetcher"
)

// UniversityStudy crawls the universitystudy.ca programme listing pages.
var UniversityStudy = Source{
	Name:        "universitystudy",
	Description: "universitystudy.ca programmes in Canada (HTML listing)",
	Country:     "Canada",
	Defaults: Settings{
		BaseURL: "https://universitystudy.ca/programs/",
		RPS:     0.5,
		Timeout: 30 * time.Second,
	},
	New: newUniversityStudy,
}

const (
	universityStudyPartition = "pages"
	unknownUniversity        = "Unknown University"
)

type universityStudyCrawler struct {
	client *fetcher.Client
	deps   Deps
	base   *url.URL
	log    *zap.Logger

	mu    sync.RWMutex
	names map[string]string // lower-cased name -> official name
}

func newUniversityStudy(d Deps) (crawl.Crawler, error) {
	base, err := url.Parse(d.Settings.BaseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "sources: universitystudy base url %q", d.Settings.BaseURL)
	}
	return &universityStudyCrawler{
		client: d.Client,
		deps:   d,
		base:   base,
		log:    zap.L().With(zap.String("source", "universitystudy")),
		names:  map[string]string{},
	}, nil
}

func (c *universityStudyCrawler) SourceName() string { return "universitystudy" }

// Setup loads the directory of official university names. A failure only
// costs name canonicalisation, so it is logged rather than returned.
func (c *universityStudyCrawler) Setup(ctx context.Context) error {
	dir := c.base.ResolveReference(&url.URL{Path: "../canadian-universities/"})
	doc, err := c.client.GetDocument(ctx, dir.String(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("university directory unavailable", zap.Error(err))
		return nil
	}

	cards := doc.Find("article")
	if cards.Length() == 0 {
		cards = doc.Find(".uni-card")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cards.Each(func(_ int, card *goquery.Selection) {
		name := strings.TrimSpace(card.Find("h2, h3, a").First().Text())
		if name != "" {
			c.names[strings.ToLower(name)] = name
		}
	})
	c.log.Info("university directory loaded", zap.Int("universities", len(c.names)))
	return nil
}

// FetchItems walks ?paged=1, 2, ... until a page has no listings. The
// checkpoint offset is the next page number.
func (c *universityStudyCrawler) FetchItems(ctx context.Context) iter.Seq2[crawl.RawItem, error] {
	p := &crawl.Pager{
		Partition: universityStudyPartition,
		Fetch:     c.page,
		Step:      1,
		Start:     1,
		Offsets:   c.deps.Offsets,
		Resume:    c.deps.Resume,
		MaxItems:  c.deps.Settings.MaxItems,
		Log:       c.log,
	}
	return p.Items(ctx)
}

func (c *universityStudyCrawler) page(ctx context.Context, n int) (crawl.Page, error) {
	if maxPages := c.deps.Settings.MaxPages; maxPages > 0 && n > maxPages {
		return crawl.Page{}, nil
	}
	doc, err := c.client.GetDocument(ctx, c.base.String(), url.Values{"paged": {strconv.Itoa(n)}})
	if err != nil {
		return crawl.Page{}, err
	}

	listings := doc.Find("article")
	if listings.Length() == 0 {
		listings = doc.Find(".program-listing-item")
	}
	var out []crawl.RawItem
	listings.Each(func(_ int, s *goquery.Selection) {
		link := s.Find("a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		uni := s.Find(".university-name").First()
		if uni.Length() == 0 {
			uni = s.Find("p").First()
		}
		out = append(out, crawl.RawItem{
			"name":            strings.TrimSpace(link.Text()),
			"url":             c.base.ResolveReference(ref).String(),
			"university_name": strings.TrimSpace(uni.Text()),
			"_page":           n,
		})
	})
	if len(out) == 0 {
		c.log.Info("no programmes on page, stopping", zap.Int("page", n))
	}
	return crawl.Page{Items: out}, nil
}

// Transform maps one listing card to payloads. Cards carry no programme
// detail, so the course payload is deliberately thin.
func (c *universityStudyCrawler) Transform(raw crawl.RawItem) (crawl.Result, error) {
	id := text(raw, "url")
	if id == "" {
		id = "unknown"
	}
	if miss := missing(raw, "name", "url"); len(miss) > 0 {
		return crawl.Failed(id, crawl.ErrMissingRequired, fmt.Sprintf("Missing required fields: %v", miss), raw), nil
	}

	var warnings []string
	uni := text(raw, "university_name")
	if uni == "" {
		uni = unknownUniversity
		warnings = append(warnings, "Missing university name")
	}
	c.mu.RLock()
	if official, ok := c.names[strings.ToLower(uni)]; ok {
		uni = official
	}
	c.mu.RUnlock()

	university := crawl.Payload{
		"name":    uni,
		"country": "Canada",
		"city":    "Unknown",
	}
	course := crawl.Payload{
		"name":         text(raw, "name"),
		"degree_level": "MASTER",
		"field":        "General",
		"program_url":  id,
		"notes":        "source=universitystudy; universitystudy_url=" + id,
	}
	return crawl.Success(id, university, course, warnings...), nil
}
