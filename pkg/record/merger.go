package record

import (
	"sync"
)

// Score computes the confidence score for a candidate.
// Base 0.5, plus bonuses for well-formed contact fields, capped at 1.0.
func Score(c *RawCandidate) float64 {
	score := 0.5

	if ValidPhone(c.Phone) {
		score += 0.15
	}
	if c.Email != "" && ValidEmail(c.Email) {
		score += 0.15
	}
	if c.Website != "" && ValidWebsite(c.Website) {
		score += 0.1
	}
	if HasPostalCode(c.Address) {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Merger accumulates deduplicated provider records for one session.
// All merges go through a single mutex so concurrent workers never race on
// the same identity key.
type Merger struct {
	records map[string]*ProviderRecord
	mu      sync.Mutex
}

// NewMerger creates an empty merger.
func NewMerger() *Merger {
	return &Merger{
		records: make(map[string]*ProviderRecord),
	}
}

// Merge folds a candidate into the record set and reports whether a new
// record was created. For an existing identity key the source-site sets are
// unioned, the higher confidence wins, and empty fields are filled from the
// candidate without overwriting present ones (first write wins per field).
func (m *Merger) Merge(c *RawCandidate) (*ProviderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := IdentityKey(c.Name, c.Address)
	score := Score(c)

	existing, ok := m.records[key]
	if !ok {
		rec := &ProviderRecord{
			Name:       c.Name,
			Address:    c.Address,
			City:       c.City,
			PostalCode: c.PostalCode,
			Phone:      c.Phone,
			Email:      c.Email,
			Website:    c.Website,
			Specialty:  c.Specialty,
			FetchedAt:  c.FetchedAt,
			Confidence: score,
			Sources:    map[string]bool{},
		}
		if c.SourceSite != "" {
			rec.Sources[c.SourceSite] = true
		}
		m.records[key] = rec
		return rec, true
	}

	if c.SourceSite != "" {
		existing.Sources[c.SourceSite] = true
	}
	if score > existing.Confidence {
		existing.Confidence = score
	}

	fillIfEmpty(&existing.City, c.City)
	fillIfEmpty(&existing.PostalCode, c.PostalCode)
	fillIfEmpty(&existing.Phone, c.Phone)
	fillIfEmpty(&existing.Email, c.Email)
	fillIfEmpty(&existing.Website, c.Website)
	fillIfEmpty(&existing.Specialty, c.Specialty)

	return existing, false
}

// Records returns a snapshot of the merged record set. Returned records are
// copies; later merges do not show through them.
func (m *Merger) Records() []*ProviderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ProviderRecord, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		cp.Sources = make(map[string]bool, len(rec.Sources))
		for site := range rec.Sources {
			cp.Sources[site] = true
		}
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of distinct records merged so far.
func (m *Merger) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func fillIfEmpty(dst *string, value string) {
	if *dst == "" && value != "" {
		*dst = value
	}
}
