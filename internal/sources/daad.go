package sources

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/fetcher"
)

// DAAD crawls the DAAD international programmes search API.
var DAAD = Source{
	Name:        "daad",
	Description: "DAAD international programmes in Germany (JSON search API)",
	Country:     "Germany",
	Defaults: Settings{
		BaseURL:  "https://www2.daad.de/deutschland/studienangebote/international-programmes/api/solr",
		Lang:     "en",
		RPS:      2,
		PageSize: 100,
		Timeout:  30 * time.Second,
	},
	New: func(d Deps) (crawl.Crawler, error) { return newDAAD(d), nil },
}

const daadSite = "https://www2.daad.de"

// daadMaxEmpty consecutive empty pages end a degree; the search index
// occasionally returns an empty page mid-listing.
const daadMaxEmpty = 3

// daadDegrees are walked in this order, one checkpoint partition each.
var daadDegrees = []struct {
	level string
	code  int
}{
	{"bachelor", 1},
	{"master", 2},
	{"phd", 3},
}

type daadCrawler struct {
	client *fetcher.Client
	deps   Deps
	log    *zap.Logger
}

func newDAAD(d Deps) *daadCrawler {
	return &daadCrawler{
		client: d.Client,
		deps:   d,
		log:    zap.L().With(zap.String("source", "daad")),
	}
}

func (c *daadCrawler) SourceName() string { return "daad" }

func (c *daadCrawler) searchURL() string {
	return strings.TrimRight(c.deps.Settings.BaseURL, "/") + "/" + c.deps.Settings.Lang + "/search.json"
}

// FetchItems walks bachelor, master then PhD listings, each with its own
// offset.
func (c *daadCrawler) FetchItems(ctx context.Context) iter.Seq2[crawl.RawItem, error] {
	seqs := make([]iter.Seq2[crawl.RawItem, error], 0, len(daadDegrees))
	for _, deg := range daadDegrees {
		p := &crawl.Pager{
			Partition: deg.level,
			Fetch:     c.page(deg.level, deg.code),
			Step:      c.deps.Settings.PageSize,
			Offsets:   c.deps.Offsets,
			Resume:    c.deps.Resume,
			MaxItems:  c.deps.Settings.MaxItems,
			MaxEmpty:  daadMaxEmpty,
			Log:       c.log,
		}
		seqs = append(seqs, p.Items(ctx))
	}
	return crawl.Concat(seqs...)
}

func (c *daadCrawler) page(level string, code int) crawl.PageFunc {
	size := c.deps.Settings.PageSize
	return func(ctx context.Context, offset int) (crawl.Page, error) {
		q := url.Values{
			"degree[]": {strconv.Itoa(code)},
			"q":        {""},
			"sort":     {"4"},
			"display":  {"list"},
			"limit":    {strconv.Itoa(size)},
			"offset":   {strconv.Itoa(offset)},
		}
		res, err := c.client.GetJSON(ctx, c.searchURL(), q)
		if err != nil {
			return crawl.Page{}, err
		}
		courses := items(res.Get("courses"), map[string]any{"_degree_level": level})
		return crawl.Page{Items: courses, Last: len(courses) < size}, nil
	}
}

// Transform maps one DAAD course into a university and a course payload.
func (c *daadCrawler) Transform(raw crawl.RawItem) (crawl.Result, error) {
	id := text(raw, "id")
	if id == "" {
		id = "unknown"
	}
	if miss := missing(raw, "id", "courseName", "academy"); len(miss) > 0 {
		return crawl.Failed(id, crawl.ErrMissingRequired, fmt.Sprintf("Missing required fields: %v", miss), raw), nil
	}

	var warnings []string
	warn := func(w string) { warnings = append(warnings, w) }

	city := text(raw, "city")
	if city == "" {
		city = "Unknown"
		warn("Missing city for university")
	}
	university := crawl.Payload{
		"name":    text(raw, "academy"),
		"country": "Germany",
		"city":    city,
	}

	level := text(raw, "_degree_level")
	if level == "" {
		level = "master"
	}
	field := text(raw, "subject")
	if field == "" {
		field = text(raw, "fieldOfStudy")
	}
	if field == "" || field == "General" {
		field = "General"
		warn("Missing or generic field of study")
	}

	course := crawl.Payload{
		"name":                   text(raw, "courseName"),
		"degree_level":           strings.ToUpper(level),
		"field":                  field,
		"teaching_language":      daadLanguage(strs(raw, "languages"), warn),
		"tuition_fee_per":        "year",
		"notes":                  "source=daad; daad_course_id=" + id,
		"gpa_scale":              "4.0",
		"gre_required":           false,
		"gmat_required":          false,
		"scholarships_available": false,
		"verified_by_count":      0,
		"view_count":             0,
	}

	if months, ok := daadDuration(text(raw, "programmeDuration"), warn); ok {
		course["duration_months"] = months
	}

	free, amount, ok := daadTuition(text(raw, "tuitionFees"), warn)
	course["is_tuition_free"] = free
	if ok {
		course["tuition_fee_amount"] = amount
		course["tuition_fee_currency"] = "EUR"
	}

	if notes := cleanHTML(text(raw, "applicationDeadline"), 0); notes != "" {
		course["deadline_notes"] = notes
	}
	if desc := cleanHTML(text(raw, "description"), 0); desc != "" {
		course["description"] = desc
	}
	if link := text(raw, "link"); link != "" {
		course["program_url"] = daadSite + link
	}

	return crawl.Success(id, university, course, warnings...), nil
}

func daadLanguage(langs []string, warn func(string)) string {
	if len(langs) == 0 {
		warn("Missing teaching language, defaulting to OTHER")
		return "OTHER"
	}
	set := make(map[string]bool, len(langs))
	for _, l := range langs {
		set[strings.ToLower(l)] = true
	}
	switch {
	case set["english"]:
		return "ENGLISH"
	case set["german"]:
		return "GERMAN"
	}
	return "OTHER"
}

func daadDuration(s string, warn func(string)) (int, bool) {
	if s == "" {
		warn("Missing program duration")
		return 0, false
	}
	months, ok := durationMonths(s, semesterRe, monthRe, yearRe)
	if !ok {
		warn("Could not parse duration: " + s)
	}
	return months, ok
}

// daadTuition returns whether the programme is free and, when known, the fee
// amount.
func daadTuition(s string, warn func(string)) (free bool, amount int, ok bool) {
	if s == "" {
		return false, 0, false
	}
	l := strings.ToLower(s)
	switch l {
	case "none", "no", "0", "0.0", "no tuition fees":
		return true, 0, true
	}
	if strings.Contains(l, "varied") || strings.Contains(l, "depending") || strings.Contains(l, "varies") {
		warn("Tuition fee varies - not extracted")
		return false, 0, false
	}
	digits := nonDigitRe.ReplaceAllString(s, "")
	if digits == "" {
		return false, 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return false, 0, false
	}
	return false, n, true
}
