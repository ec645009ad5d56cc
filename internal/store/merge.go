package store

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ghadam-app/crawlers/internal/crawl"
)

// protected fields are owned by the store, never by incoming data.
var protected = map[string]bool{"id": true, "created_at": true, "updated_at": true}

// WisePatch computes the fields of incoming that may be written onto
// existing. A field is written when the stored value is empty, or when the
// field is refreshable and its trimmed text differs. Nil and empty incoming
// values never overwrite anything.
func WisePatch(existing map[string]any, incoming crawl.Payload, refreshable map[string]bool) crawl.Payload {
	patch := crawl.Payload{}
	for k, v := range incoming {
		if protected[k] || isEmpty(v) {
			continue
		}
		cur := existing[k]
		switch {
		case isEmpty(cur):
			patch[k] = v
		case refreshable[k] && textOf(cur) != textOf(v):
			patch[k] = v
		}
	}
	return patch
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func textOf(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
