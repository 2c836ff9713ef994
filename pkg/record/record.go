package record

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// RawCandidate is one unvalidated extraction result produced from a fetched
// page. Candidates are ephemeral; the Merger consumes them.
type RawCandidate struct {
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	City       string    `json:"city"`
	PostalCode string    `json:"postal_code"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email"`
	Website    string    `json:"website"`
	Specialty  string    `json:"specialty"`
	SourceSite string    `json:"source_site"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// ProviderRecord is a validated, deduplicated provider entity.
// At most one record exists per identity key within a session.
type ProviderRecord struct {
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	City       string    `json:"city"`
	PostalCode string    `json:"postal_code"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email"`
	Website    string    `json:"website"`
	Specialty  string    `json:"specialty"`
	FetchedAt  time.Time `json:"fetched_at"`

	// Confidence is a heuristic quality estimate in [0,1]
	Confidence float64 `json:"confidence"`
	// Sources is the set of site identifiers that contributed to this record
	Sources map[string]bool `json:"sources"`
}

// SourceList returns the contributing sites in sorted order.
func (r *ProviderRecord) SourceList() []string {
	sites := make([]string, 0, len(r.Sources))
	for site := range r.Sources {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

var (
	// German phone numbers: +49 prefix, 0-prefixed, or (0xx) area code
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\+49[\s\-]?\d{2,4}[\s\-]?\d{3,}[\s\-]?\d{0,}$`),
		regexp.MustCompile(`^0\d{2,4}[\s\-/]?\d{3,}[\s\-/]?\d{0,}$`),
		regexp.MustCompile(`^\(\d{2,4}\)[\s\-]?\d{3,}[\s\-]?\d{0,}$`),
	}

	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

	// German postal codes are five digits
	postalCodePattern = regexp.MustCompile(`\b\d{5}\b`)

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// ValidPhone reports whether the phone number matches a strict German format.
func ValidPhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return false
	}
	for _, p := range phonePatterns {
		if p.MatchString(phone) {
			return true
		}
	}
	return false
}

// ValidEmail reports whether the email address is syntactically valid.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

// ValidWebsite reports whether the website looks like a usable URL.
func ValidWebsite(website string) bool {
	website = strings.TrimSpace(website)
	if website == "" {
		return false
	}
	if strings.HasPrefix(website, "http://") || strings.HasPrefix(website, "https://") {
		return strings.Contains(strings.TrimPrefix(strings.TrimPrefix(website, "https://"), "http://"), ".")
	}
	return strings.HasPrefix(website, "www.") && strings.Contains(website, ".")
}

// HasPostalCode reports whether the address contains a German postal code.
func HasPostalCode(address string) bool {
	return postalCodePattern.MatchString(address)
}

// ExtractPostalCode returns the first postal code in the text, if any.
func ExtractPostalCode(text string) string {
	return postalCodePattern.FindString(text)
}

// IdentityKey computes the deduplication key for a candidate:
// normalized lowercase name plus the normalized street+number part of the
// address. Everything after the street line (postal code, city) is ignored
// so the same practice listed with and without a city still collides.
func IdentityKey(name, address string) string {
	return normalize(name) + "|" + normalizeStreet(address)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespacePattern.ReplaceAllString(s, " ")
}

// normalizeStreet keeps the street+number portion of an address: the text
// before the first comma or before the postal code, whichever comes first.
func normalizeStreet(address string) string {
	street := address
	if idx := strings.Index(street, ","); idx >= 0 {
		street = street[:idx]
	}
	if loc := postalCodePattern.FindStringIndex(street); loc != nil {
		street = street[:loc[0]]
	}
	return normalize(street)
}
