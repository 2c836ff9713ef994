package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"medscraper/pkg/fetch"
	"medscraper/pkg/record"
)

// GelbeSeiten extracts provider listings from gelbeseiten.de search results.
type GelbeSeiten struct{}

func (g *GelbeSeiten) Site() string { return "gelbeseiten.de" }

func (g *GelbeSeiten) SearchURL(term, location string, page int) string {
	return fmt.Sprintf("https://www.gelbeseiten.de/Suche/%s/%s?seite=%d",
		url.PathEscape(strings.ToLower(term)), url.PathEscape(strings.ToLower(location)), page)
}

func (g *GelbeSeiten) Extract(page *fetch.Page) []*record.RawCandidate {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil
	}

	var candidates []*record.RawCandidate
	doc.Find("div.mod-Treffer").Each(func(_ int, card *goquery.Selection) {
		name := cleanText(card.Find("h2.highlight-title").Text())
		if name == "" {
			return
		}

		address := cleanText(card.Find("div.address").Text())
		postalCode, city := splitAddress(address)

		specialty := cleanText(card.Find("div.category").Text())
		if specialty == "" {
			specialty = "Arzt"
		}

		website, _ := card.Find("a.website-link").Attr("href")

		candidates = append(candidates, &record.RawCandidate{
			Name:       name,
			Address:    address,
			City:       city,
			PostalCode: postalCode,
			Phone:      cleanText(card.Find("span.phone").Text()),
			Email:      mailtoAddress(card),
			Website:    website,
			Specialty:  specialty,
			SourceSite: g.Site(),
			FetchedAt:  page.FetchedAt,
		})
	})

	return candidates
}

// DasOertliche extracts provider listings from das-oertliche.de results.
type DasOertliche struct{}

func (d *DasOertliche) Site() string { return "dasoertliche.de" }

func (d *DasOertliche) SearchURL(term, location string, page int) string {
	return fmt.Sprintf("https://www.das-oertliche.de/Themen/%s/%s?page=%d",
		url.PathEscape(strings.ToLower(term)), url.PathEscape(strings.ToLower(location)), page)
}

func (d *DasOertliche) Extract(page *fetch.Page) []*record.RawCandidate {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil
	}

	var candidates []*record.RawCandidate
	doc.Find("div.entry").Each(func(_ int, card *goquery.Selection) {
		name := cleanText(card.Find("h2").First().Text())
		if name == "" {
			return
		}

		address := cleanText(card.Find("div.address").Text())
		postalCode, city := splitAddress(address)

		candidates = append(candidates, &record.RawCandidate{
			Name:       name,
			Address:    address,
			City:       city,
			PostalCode: postalCode,
			Phone:      cleanText(card.Find("span.phone-number").Text()),
			Email:      mailtoAddress(card),
			Specialty:  "Arzt",
			SourceSite: d.Site(),
			FetchedAt:  page.FetchedAt,
		})
	})

	return candidates
}

// Jameda extracts provider listings from jameda.de search results.
type Jameda struct{}

func (j *Jameda) Site() string { return "jameda.de" }

func (j *Jameda) SearchURL(term, location string, page int) string {
	return fmt.Sprintf("https://www.jameda.de/aerzte/%s/%s/?page=%d",
		url.PathEscape(strings.ToLower(term)), url.PathEscape(strings.ToLower(location)), page)
}

func (j *Jameda) Extract(page *fetch.Page) []*record.RawCandidate {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil
	}

	var candidates []*record.RawCandidate
	doc.Find("div.search-list-entry").Each(func(_ int, card *goquery.Selection) {
		name := cleanText(card.Find("a.doc-name").Text())
		if name == "" {
			return
		}

		address := cleanText(card.Find("div.practice-address").Text())
		postalCode, city := splitAddress(address)

		phone := ""
		if href, ok := card.Find(`a[href^="tel:"]`).Attr("href"); ok {
			phone = cleanText(strings.TrimPrefix(href, "tel:"))
		}

		candidates = append(candidates, &record.RawCandidate{
			Name:       name,
			Address:    address,
			City:       city,
			PostalCode: postalCode,
			Phone:      phone,
			Email:      mailtoAddress(card),
			Specialty:  cleanText(card.Find("span.doc-specialization").Text()),
			SourceSite: j.Site(),
			FetchedAt:  page.FetchedAt,
		})
	})

	return candidates
}

// Doctolib extracts provider listings from doctolib.de search results.
type Doctolib struct{}

func (d *Doctolib) Site() string { return "doctolib.de" }

func (d *Doctolib) SearchURL(term, location string, page int) string {
	return fmt.Sprintf("https://www.doctolib.de/arzt/%s/%s?page=%d",
		url.PathEscape(strings.ToLower(location)), url.PathEscape(strings.ToLower(term)), page)
}

func (d *Doctolib) Extract(page *fetch.Page) []*record.RawCandidate {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil
	}

	var candidates []*record.RawCandidate
	doc.Find("div.searchResult-item").Each(func(_ int, card *goquery.Selection) {
		name := cleanText(card.Find("span.doctor-name").Text())
		if name == "" {
			return
		}

		address := cleanText(card.Find("div.doctor-address").Text())
		postalCode, city := splitAddress(address)

		candidates = append(candidates, &record.RawCandidate{
			Name:       name,
			Address:    address,
			City:       city,
			PostalCode: postalCode,
			Email:      mailtoAddress(card),
			Specialty:  cleanText(card.Find("div.doctor-speciality").Text()),
			SourceSite: d.Site(),
			FetchedAt:  page.FetchedAt,
		})
	})

	return candidates
}

// mailtoAddress pulls the first mailto link out of a result card.
func mailtoAddress(card *goquery.Selection) string {
	href, ok := card.Find(`a[href^="mailto:"]`).Attr("href")
	if !ok {
		return ""
	}
	return cleanText(strings.TrimPrefix(href, "mailto:"))
}
