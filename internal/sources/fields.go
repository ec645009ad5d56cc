package sources

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/ghadam-app/crawlers/internal/crawl"
)

// items converts a JSON array of objects into raw items, skipping anything
// that is not an object.
func items(arr gjson.Result, extra map[string]any) []crawl.RawItem {
	out := make([]crawl.RawItem, 0, len(arr.Array()))
	for _, v := range arr.Array() {
		m, ok := v.Value().(map[string]any)
		if !ok {
			continue
		}
		for k, x := range extra {
			m[k] = x
		}
		out = append(out, crawl.RawItem(m))
	}
	return out
}

// text returns raw[key] as a trimmed string. JSON numbers are formatted
// without a trailing ".0".
func text(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// number returns raw[key] as an int when it is numeric or a numeric string.
func number(raw map[string]any, key string) (int, bool) {
	switch v := raw[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func object(raw map[string]any, key string) map[string]any {
	m, _ := raw[key].(map[string]any)
	return m
}

func objects(raw map[string]any, key string) []map[string]any {
	arr, _ := raw[key].([]any)
	out := make([]map[string]any, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func strs(raw map[string]any, key string) []string {
	switch v := raw[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) != "" {
			return []string{strings.TrimSpace(v)}
		}
	}
	return nil
}

// missing lists the keys of raw that are absent or blank.
func missing(raw map[string]any, keys ...string) []string {
	var out []string
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			out = append(out, k)
			continue
		}
		switch x := v.(type) {
		case string:
			if strings.TrimSpace(x) == "" {
				out = append(out, k)
			}
		case map[string]any:
			if len(x) == 0 {
				out = append(out, k)
			}
		}
	}
	return out
}

// optional returns nil for "" so empty strings never patch stored values.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	spacesRe     = regexp.MustCompile(`[ \t]+`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// cleanHTML renders an HTML fragment as plain text: line breaks for <br> and
// paragraph ends, bullets for list items, entities decoded. The result is
// cut to limit runes when limit > 0.
func cleanHTML(s string, limit int) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	var out string
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		out = tagRe.ReplaceAllString(s, "")
	} else {
		doc.Find("br").ReplaceWithHtml("\n")
		doc.Find("li").Each(func(_ int, li *goquery.Selection) {
			li.PrependHtml("• ")
			li.AppendHtml("\n")
		})
		doc.Find("p").AppendHtml("\n")
		out = doc.Text()
	}
	out = spacesRe.ReplaceAllString(out, " ")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	out = strings.TrimSpace(out)
	if r := []rune(out); limit > 0 && len(r) > limit {
		out = string(r[:limit]) + "..."
	}
	return out
}

var (
	semesterRe = regexp.MustCompile(`(\d+)\s*semester`)
	monthRe    = regexp.MustCompile(`(\d+)\s*month`)
	yearRe     = regexp.MustCompile(`(\d+)\s*year`)
)

// durationMonths parses free-text durations such as "4 semesters",
// "18 months" or "2 years". Patterns are tried in the given order.
func durationMonths(s string, order ...*regexp.Regexp) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, re := range order {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch re {
		case semesterRe:
			return n * 6, true
		case yearRe:
			return n * 12, true
		default:
			return n, true
		}
	}
	return 0, false
}

var nonDigitRe = regexp.MustCompile(`\D`)
