// Package sources holds the concrete crawlers, one per upstream catalogue,
// and the registry the command line picks them from.
package sources

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/fetcher"
)

// UserAgent identifies the crawlers to upstream servers.
const UserAgent = "ghadam-crawler/2.0 (+https://github.com/ghadam-app; respectful-crawler)"

// Settings are the per-source knobs from the sources.<name> config section.
// Zero values fall back to the source's defaults.
type Settings struct {
	BaseURL  string
	Lang     string
	RPS      float64
	PageSize int
	Timeout  time.Duration
	// MaxItems caps items per partition; 0 is unlimited.
	MaxItems int
	// MaxPages caps pages for page-number listings; 0 is unlimited.
	MaxPages int
}

// Deps is what a factory needs to build a crawler for one run.
type Deps struct {
	Client   *fetcher.Client
	Offsets  crawl.OffsetStore
	Resume   bool
	Settings Settings
}

// Factory builds a crawler.
type Factory func(Deps) (crawl.Crawler, error)

// Source describes one registered crawler.
type Source struct {
	Name        string
	Description string
	Country     string
	// Defaults fill in zero fields of Deps.Settings.
	Defaults Settings
	New      Factory
}

// Build fills unset settings from the source defaults and calls the factory.
func (s Source) Build(deps Deps) (crawl.Crawler, error) {
	if deps.Client == nil {
		return nil, eris.Errorf("sources: %s needs an http client", s.Name)
	}
	deps.Settings = s.Merge(deps.Settings)
	return s.New(deps)
}

// Merge returns set with its zero fields taken from the source defaults.
func (s Source) Merge(set Settings) Settings {
	d := s.Defaults
	if set.BaseURL == "" {
		set.BaseURL = d.BaseURL
	}
	if set.Lang == "" {
		set.Lang = d.Lang
	}
	if set.RPS <= 0 {
		set.RPS = d.RPS
	}
	if set.PageSize <= 0 {
		set.PageSize = d.PageSize
	}
	if set.Timeout <= 0 {
		set.Timeout = d.Timeout
	}
	if set.MaxItems <= 0 {
		set.MaxItems = d.MaxItems
	}
	if set.MaxPages <= 0 {
		set.MaxPages = d.MaxPages
	}
	return set
}

// Registry maps source names to their descriptions.
type Registry struct {
	sources map[string]Source
	order   []string // insertion order for deterministic listing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source. Registering a name twice replaces the entry but
// keeps its original position.
func (r *Registry) Register(s Source) {
	if _, ok := r.sources[s.Name]; !ok {
		r.order = append(r.order, s.Name)
	}
	r.sources[s.Name] = s
}

// Get returns a source by name.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return Source{}, eris.Errorf("sources: unknown source %q", name)
	}
	return s, nil
}

// All returns every source in registration order.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sources[name])
	}
	return out
}

// Names returns every registered name in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Default returns a registry with every built-in source.
func Default() *Registry {
	r := NewRegistry()
	r.Register(DAAD)
	r.Register(StudyInNL)
	r.Register(UniversityStudy)
	return r
}
