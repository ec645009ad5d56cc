package sources

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/fetcher"
)

// StudyInNL crawls the Study in NL programmes API.
var StudyInNL = Source{
	Name:        "studyinnl",
	Description: "Study in NL programmes in the Netherlands (JSON API)",
	Country:     "Netherlands",
	Defaults: Settings{
		BaseURL:  "https://www.studyinnl.org/api/programs",
		RPS:      2,
		PageSize: 50,
		Timeout:  30 * time.Second,
	},
	New: func(d Deps) (crawl.Crawler, error) { return newStudyInNL(d), nil },
}

// ErrMissingInstitution marks programmes that carry no institution object.
const ErrMissingInstitution = "MISSING_INSTITUTION"

const (
	studyInNLPartition = "programs"
	maxScholarships    = 10
	maxDescription     = 2900
)

var studyInNLDegrees = map[string]string{
	"master":                 "MASTER",
	"bachelor":               "BACHELOR",
	"phd":                    "PHD",
	"short or summer course": "CERTIFICATE",
	"other":                  "CERTIFICATE",
}

type studyInNLCrawler struct {
	client *fetcher.Client
	deps   Deps
	log    *zap.Logger
}

func newStudyInNL(d Deps) *studyInNLCrawler {
	return &studyInNLCrawler{
		client: d.Client,
		deps:   d,
		log:    zap.L().With(zap.String("source", "studyinnl")),
	}
}

func (c *studyInNLCrawler) SourceName() string { return "studyinnl" }

// FetchItems pages through the single programme listing until the reported
// total is reached.
func (c *studyInNLCrawler) FetchItems(ctx context.Context) iter.Seq2[crawl.RawItem, error] {
	p := &crawl.Pager{
		Partition: studyInNLPartition,
		Fetch:     c.page,
		Step:      c.deps.Settings.PageSize,
		Offsets:   c.deps.Offsets,
		Resume:    c.deps.Resume,
		MaxItems:  c.deps.Settings.MaxItems,
		Log:       c.log,
	}
	return p.Items(ctx)
}

func (c *studyInNLCrawler) page(ctx context.Context, offset int) (crawl.Page, error) {
	size := c.deps.Settings.PageSize
	q := url.Values{
		"limit":  {strconv.Itoa(size)},
		"offset": {strconv.Itoa(offset)},
	}
	res, err := c.client.GetJSON(ctx, strings.TrimRight(c.deps.Settings.BaseURL, "/"), q)
	if err != nil {
		return crawl.Page{}, err
	}
	data := res.Get("data")
	if !data.Exists() {
		data = res
	}
	total := firstInt(data, "totalAmount", "numPrograms")
	programs := items(data.Get("programs"), map[string]any{"_offset": offset})
	c.log.Debug("page fetched",
		zap.Int("offset", offset),
		zap.Int("items", len(programs)),
		zap.Int64("total", total),
	)
	last := len(programs) < size || (total > 0 && int64(offset+size) >= total)
	return crawl.Page{Items: programs, Last: last}, nil
}

func firstInt(r gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Int() > 0 {
			return v.Int()
		}
	}
	return 0
}

// Transform maps one programme into a university and a course payload.
func (c *studyInNLCrawler) Transform(raw crawl.RawItem) (crawl.Result, error) {
	id := text(raw, "id")
	if id == "" {
		id = "unknown"
	}
	if miss := missing(raw, "id", "name"); len(miss) > 0 {
		return crawl.Failed(id, crawl.ErrMissingRequired, fmt.Sprintf("Missing required fields: %v", miss), raw), nil
	}
	inst := object(raw, "institution")
	if len(inst) == 0 {
		return crawl.Failed(id, ErrMissingInstitution, "No institution data in program", raw), nil
	}

	var warnings []string
	warn := func(w string) { warnings = append(warnings, w) }

	university := studyInNLUniversity(inst, raw, warn)
	course := studyInNLCourse(id, raw, warn)
	return crawl.Success(id, university, course, warnings...), nil
}

func studyInNLUniversity(inst, raw map[string]any, warn func(string)) crawl.Payload {
	name := text(inst, "name")
	if name == "" {
		name = "Unknown University"
	}
	city := text(inst, "city")
	if city == "" {
		if locs := objects(raw, "locations"); len(locs) > 0 {
			city = text(locs[0], "name")
			if city == "" {
				city = text(locs[0], "city")
			}
		}
	}
	if city == "" {
		city = "Unknown"
		warn("Missing city for university")
	}

	p := crawl.Payload{
		"name":     name,
		"country":  "Netherlands",
		"city":     city,
		"website":  optional(text(inst, "url")),
		"logo_url": optional(text(inst, "logo_url")),
	}
	sector := strings.ToLower(text(inst, "sector"))
	switch {
	case strings.Contains(sector, "research"):
		p["university_type"] = "research"
	case strings.Contains(sector, "applied"):
		p["university_type"] = "applied_sciences"
	case strings.Contains(sector, "international"):
		p["university_type"] = "international"
	}
	return p
}

func studyInNLCourse(id string, raw map[string]any, warn func(string)) crawl.Payload {
	kind := strings.ToLower(text(raw, "type"))
	level, ok := studyInNLDegrees[kind]
	if !ok {
		level = "MASTER"
	}
	field := text(raw, "field_of_study")
	if field == "" || field == "General programmes" {
		field = "General"
	}

	scholarships := objects(raw, "scholarships")
	notes := "source=studyinnl; studyinnl_program_id=" + id
	if h := text(raw, "hodex_id"); h != "" {
		notes += "; hodex_id=" + h
	}
	if reqs := languageRequirements(objects(raw, "language_requirements")); reqs != "" {
		notes += "\n\nLanguage Requirements:\n" + reqs
	}

	course := crawl.Payload{
		"name":                   text(raw, "name"),
		"degree_level":           level,
		"field":                  field,
		"teaching_language":      studyInNLLanguage(objects(raw, "languages"), warn),
		"notes":                  notes,
		"program_url":            optional(text(raw, "website")),
		"application_url":        optional(admissionURL(raw["admission_url"])),
		"description":            optional(cleanHTML(text(raw, "description"), maxDescription)),
		"scholarships_available": len(scholarships) > 0,
		"scholarship_details":    optional(formatScholarships(scholarships)),
		"gpa_scale":              "4.0",
		"gre_required":           false,
		"gmat_required":          false,
		"verified_by_count":      0,
		"view_count":             0,
	}

	ects, hasECTS := number(raw, "ects_credits")
	if hasECTS {
		course["credits_ects"] = ects
	}
	if months, ok := studyInNLDuration(text(raw, "duration"), ects, warn); ok {
		course["duration_months"] = months
	}

	fee := studyInNLTuition(objects(raw, "tuitions"), warn)
	course["tuition_fee_per"] = fee.per
	course["is_tuition_free"] = fee.known && fee.amount == 0
	if fee.known {
		course["tuition_fee_amount"] = fee.amount
		if fee.amount != 0 {
			course["tuition_fee_currency"] = "EUR"
		}
	}

	dl := studyInNLDeadlines(objects(raw, "start_months"), warn)
	if !dl.fall.IsZero() {
		course["deadline_fall"] = dl.fall
	}
	if !dl.spring.IsZero() {
		course["deadline_spring"] = dl.spring
	}
	if dl.notes != "" {
		course["deadline_notes"] = dl.notes
	}
	return course
}

func studyInNLLanguage(langs []map[string]any, warn func(string)) string {
	if len(langs) == 0 {
		warn("No teaching language specified, defaulting to ENGLISH")
		return "ENGLISH"
	}
	set := make(map[string]bool, len(langs))
	for _, l := range langs {
		set[strings.ToLower(text(l, "name"))] = true
	}
	for _, name := range []string{"english", "dutch", "german", "french"} {
		if set[name] {
			return strings.ToUpper(name)
		}
	}
	return "ENGLISH"
}

func studyInNLDuration(s string, ects int, warn func(string)) (int, bool) {
	if s != "" {
		if months, ok := durationMonths(s, yearRe, monthRe, semesterRe); ok {
			return months, true
		}
	}
	// 30 ECTS is one semester.
	if ects > 0 {
		if months := ects / 30 * 6; months > 0 {
			return months, true
		}
		return 12, true
	}
	warn("Could not determine program duration")
	return 0, false
}

type tuition struct {
	amount int
	per    string
	known  bool
}

// studyInNLTuition picks the newest fee of the most relevant type for
// international students: international, then institutional, then
// statutory, then whatever came first.
func studyInNLTuition(fees []map[string]any, warn func(string)) tuition {
	if len(fees) == 0 {
		warn("No tuition information available")
		return tuition{per: "year"}
	}
	newest := map[string]map[string]any{}
	for _, f := range fees {
		kind := text(f, "tuition_fee_type")
		if kind == "" {
			kind = text(f, "tuition_fee_rate")
		}
		if kind == "" {
			kind = "unknown"
		}
		year, _ := number(f, "year")
		if cur, ok := newest[kind]; ok {
			if curYear, _ := number(cur, "year"); curYear >= year {
				continue
			}
		}
		newest[kind] = f
	}

	pick := fees[0]
	for _, kind := range []string{"international", "institutional", "statutory"} {
		if f, ok := newest[kind]; ok {
			pick = f
			break
		}
	}
	t := tuition{per: text(pick, "period")}
	if t.per == "" {
		t.per = "year"
	}
	t.amount, t.known = number(pick, "amount")
	return t
}

type deadlines struct {
	fall, spring time.Time
	notes        string
}

// studyInNLDeadlines keeps the earliest deadline per intake. The non-EU
// deadline is preferred since it is the stricter one.
func studyInNLDeadlines(starts []map[string]any, warn func(string)) deadlines {
	var d deadlines
	var notes []string
	for _, sm := range starts {
		month, _ := number(sm, "month")
		eu := text(sm, "application_deadline")
		nonEU := text(sm, "application_deadline_non_eu")
		raw := nonEU
		if raw == "" {
			raw = eu
		}
		if raw == "" {
			continue
		}
		when, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			warn("Could not parse deadline: " + raw)
			continue
		}
		switch month {
		case 8, 9, 10:
			if d.fall.IsZero() || when.Before(d.fall) {
				d.fall = when
			}
		case 1, 2, 3:
			if d.spring.IsZero() || when.Before(d.spring) {
				d.spring = when
			}
		}

		start := text(sm, "start_date")
		if start == "" {
			start = fmt.Sprintf("Month %d", month)
		}
		note := "Start: " + start
		if nonEU != "" {
			note += " | Non-EU deadline: " + nonEU
		}
		if eu != "" && eu != nonEU {
			note += " | EU deadline: " + eu
		}
		notes = append(notes, note)
	}
	d.notes = strings.Join(notes, "\n")
	return d
}

func formatScholarships(list []map[string]any) string {
	var parts []string
	for _, s := range list[:min(len(list), maxScholarships)] {
		name := text(s, "name")
		if name == "" {
			continue
		}
		if u := text(s, "url"); u != "" {
			parts = append(parts, "• "+name+": "+u)
		} else {
			parts = append(parts, "• "+name)
		}
	}
	return strings.Join(parts, "\n")
}

func languageRequirements(reqs []map[string]any) string {
	var parts []string
	for _, r := range reqs {
		desc, score := text(r, "description"), text(r, "minimum_score")
		if desc != "" && score != "" {
			parts = append(parts, "• "+desc+": "+score)
		}
	}
	return strings.Join(parts, "\n")
}

func admissionURL(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case []any:
		if len(x) > 0 {
			s, _ := x[0].(string)
			return strings.TrimSpace(s)
		}
	case []string:
		if len(x) > 0 {
			return strings.TrimSpace(x[0])
		}
	}
	return ""
}
