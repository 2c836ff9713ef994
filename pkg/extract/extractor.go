// Package extract turns fetched directory pages into raw provider
// candidates. One Extractor per target site; new sites register a new
// implementation and the orchestrator never changes.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"medscraper/pkg/fetch"
	"medscraper/pkg/record"
)

// Extractor is the per-site parsing capability. Extract must be pure and
// tolerate malformed or partial pages by returning an empty slice rather
// than failing the task.
type Extractor interface {
	// Site returns the site identifier this extractor handles
	Site() string
	// SearchURL builds the result-page URL for a search term, location and
	// 1-based page number
	SearchURL(term, location string, page int) string
	// Extract parses candidates out of a fetched page
	Extract(page *fetch.Page) []*record.RawCandidate
}

// Registry maps site identifiers to their extractors.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry creates a registry pre-populated with all built-in site
// extractors.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	r.Register(&GelbeSeiten{})
	r.Register(&DasOertliche{})
	r.Register(&Jameda{})
	r.Register(&Doctolib{})
	return r
}

// Register adds an extractor, replacing any previous one for the same site.
func (r *Registry) Register(e Extractor) {
	r.extractors[e.Site()] = e
}

// Get returns the extractor for a site identifier.
func (r *Registry) Get(site string) (Extractor, error) {
	e, ok := r.extractors[site]
	if !ok {
		return nil, fmt.Errorf("unsupported target site: %s", site)
	}
	return e, nil
}

// Sites returns all registered site identifiers.
func (r *Registry) Sites() []string {
	sites := make([]string, 0, len(r.extractors))
	for site := range r.extractors {
		sites = append(sites, site)
	}
	return sites
}

var whitespace = regexp.MustCompile(`\s+`)

// cleanText collapses runs of whitespace into single spaces.
func cleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// splitAddress pulls postal code and city out of a German address line.
// The word following the five-digit postal code is taken as the city.
func splitAddress(address string) (postalCode, city string) {
	postalCode = record.ExtractPostalCode(address)
	if postalCode == "" {
		return "", ""
	}
	rest := address[strings.Index(address, postalCode)+len(postalCode):]
	fields := strings.Fields(rest)
	if len(fields) > 0 {
		city = strings.Trim(fields[0], ",")
	}
	return postalCode, city
}
