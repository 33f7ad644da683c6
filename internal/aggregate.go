package internal

import (
	"encoding/json"
	"strings"

	"github.com/ohler55/ojg/oj"
)

// extracted is one provider payload normalized into canonical fields. The
// raw payload rides along so snapshots and the composite JSON keep the
// original bytes.
type extracted struct {
	source Source
	book   Book
	raw    []byte
}

// aggregate merges provider payloads into one candidate record. Payloads
// are considered highest-confidence first (see precedence); for each field
// the first non-empty value wins, except:
//
//   - authors/categories take the union, preserving first-appearance order;
//   - description prefers the longest non-empty string;
//   - ratings and prices come from the most trusted source that has them;
//   - editorial sources may set the title only when everyone else left it
//     empty.
//
// The composite of all parsed payloads becomes RawJSONResponse.
func aggregate(payloads []payload) (*Book, error) {
	candidates := make([]extracted, 0, len(payloads))
	for _, p := range payloads {
		ex, err := extract(p)
		if err != nil {
			// A single bad payload shouldn't sink the rest.
			continue
		}
		candidates = append(candidates, ex)
	}
	if len(candidates) == 0 {
		return nil, errParse
	}

	ordered := make([]extracted, 0, len(candidates))
	for _, src := range precedence {
		for _, c := range candidates {
			if c.source == src {
				ordered = append(ordered, c)
			}
		}
	}

	var out Book
	seenAuthors := newSet[string]()
	seenCategories := newSet[string]()

	for _, c := range ordered {
		b := c.book
		editorial := c.source == SourceEditorial

		if editorial {
			// Editorial sources are title-only, and even then only as a
			// last resort.
			if out.Title == "" {
				out.Title = b.Title
			}
			continue
		}

		out.Title = firstNonEmpty(out.Title, b.Title)
		out.Subtitle = firstNonEmpty(out.Subtitle, b.Subtitle)
		out.Publisher = firstNonEmpty(out.Publisher, b.Publisher)
		out.PublishedDate = firstNonEmpty(out.PublishedDate, b.PublishedDate)
		out.Language = firstNonEmpty(out.Language, b.Language)
		out.ISBN10 = firstNonEmpty(out.ISBN10, b.ISBN10)
		out.ISBN13 = firstNonEmpty(out.ISBN13, b.ISBN13)
		out.CoverImageURL = firstNonEmpty(out.CoverImageURL, b.CoverImageURL)
		out.InfoLink = firstNonEmpty(out.InfoLink, b.InfoLink)
		out.PreviewLink = firstNonEmpty(out.PreviewLink, b.PreviewLink)
		out.PurchaseLink = firstNonEmpty(out.PurchaseLink, b.PurchaseLink)
		out.WebReaderLink = firstNonEmpty(out.WebReaderLink, b.WebReaderLink)
		out.ProviderID = firstNonEmpty(out.ProviderID, b.ProviderID)
		if out.PageCount == 0 {
			out.PageCount = b.PageCount
		}

		if len(strings.TrimSpace(b.Description)) > len(strings.TrimSpace(out.Description)) {
			out.Description = b.Description
		}

		// Trust order already applied: only take ratings/price from the
		// first source that reports them.
		if out.RatingsCount == 0 && b.RatingsCount > 0 {
			out.RatingsCount = b.RatingsCount
			out.AverageRating = b.AverageRating
		}
		if out.ListPrice == 0 && b.ListPrice > 0 {
			out.ListPrice = b.ListPrice
			out.CurrencyCode = b.CurrencyCode
		}
		if b.PDFAvailable {
			out.PDFAvailable = true
		}
		if b.EpubAvailable {
			out.EpubAvailable = true
		}

		for _, a := range b.Authors {
			if seenAuthors.add(a) {
				out.Authors = append(out.Authors, a)
			}
		}
		for _, c := range b.Categories {
			if seenCategories.add(c) {
				out.Categories = append(out.Categories, c)
			}
		}
	}

	// The composite snapshot holds every parsed payload keyed by source.
	composite := map[string]any{}
	for _, c := range ordered {
		parsed, err := oj.Parse(c.raw)
		if err != nil {
			continue
		}
		composite[string(c.source)] = parsed
	}
	out.RawJSONResponse = json.RawMessage(oj.JSON(composite))

	return &out, nil
}

func firstNonEmpty(current, incoming string) string {
	if current != "" {
		return current
	}
	return strings.TrimSpace(incoming)
}

// extract normalizes one provider payload.
func extract(p payload) (extracted, error) {
	switch p.Source {
	case SourcePrimaryAuth, SourcePrimary, SourcePrimaryISBN:
		return extractVolume(p)
	case SourceSecondary:
		return extractBibliographic(p)
	case SourceEditorial:
		return extractEditorial(p)
	}
	return extracted{}, errParse
}

// volumePayload is the shape of the primary provider's volume resource.
type volumePayload struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string `json:"title"`
		Subtitle            string `json:"subtitle"`
		Description         string `json:"description"`
		Publisher           string `json:"publisher"`
		PublishedDate       string `json:"publishedDate"`
		PageCount           int    `json:"pageCount"`
		Language            string `json:"language"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		Categories    []string `json:"categories"`
		Authors       []string `json:"authors"`
		AverageRating float64  `json:"averageRating"`
		RatingsCount  int64    `json:"ratingsCount"`
		InfoLink      string   `json:"infoLink"`
		PreviewLink   string   `json:"previewLink"`
		ImageLinks    struct {
			Thumbnail  string `json:"thumbnail"`
			Small      string `json:"small"`
			Medium     string `json:"medium"`
			Large      string `json:"large"`
			ExtraLarge string `json:"extraLarge"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
	SaleInfo struct {
		BuyLink   string `json:"buyLink"`
		ListPrice struct {
			Amount       float64 `json:"amount"`
			CurrencyCode string  `json:"currencyCode"`
		} `json:"listPrice"`
	} `json:"saleInfo"`
	AccessInfo struct {
		WebReaderLink string `json:"webReaderLink"`
		PDF           struct {
			IsAvailable bool `json:"isAvailable"`
		} `json:"pdf"`
		Epub struct {
			IsAvailable bool `json:"isAvailable"`
		} `json:"epub"`
	} `json:"accessInfo"`
}

func extractVolume(p payload) (extracted, error) {
	raw := p.Raw

	// ISBN searches wrap volumes in an items array; unwrap the first hit.
	if p.Source == SourcePrimaryISBN {
		var wrapper struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return extracted{}, errParse
		}
		if len(wrapper.Items) == 0 {
			return extracted{}, errNotFound
		}
		raw = wrapper.Items[0]
	}

	var v volumePayload
	if err := json.Unmarshal(raw, &v); err != nil {
		return extracted{}, errParse
	}

	b := Book{
		Title:         v.VolumeInfo.Title,
		Subtitle:      v.VolumeInfo.Subtitle,
		Description:   v.VolumeInfo.Description,
		Publisher:     v.VolumeInfo.Publisher,
		PublishedDate: v.VolumeInfo.PublishedDate,
		PageCount:     v.VolumeInfo.PageCount,
		Language:      v.VolumeInfo.Language,
		Categories:    v.VolumeInfo.Categories,
		Authors:       v.VolumeInfo.Authors,
		AverageRating: v.VolumeInfo.AverageRating,
		RatingsCount:  v.VolumeInfo.RatingsCount,
		InfoLink:      v.VolumeInfo.InfoLink,
		PreviewLink:   v.VolumeInfo.PreviewLink,
		PurchaseLink:  v.SaleInfo.BuyLink,
		WebReaderLink: v.AccessInfo.WebReaderLink,
		PDFAvailable:  v.AccessInfo.PDF.IsAvailable,
		EpubAvailable: v.AccessInfo.Epub.IsAvailable,
		ListPrice:     v.SaleInfo.ListPrice.Amount,
		CurrencyCode:  v.SaleInfo.ListPrice.CurrencyCode,
		ProviderID:    v.ID,
	}

	for _, id := range v.VolumeInfo.IndustryIdentifiers {
		clean := sanitizeISBN(id.Identifier)
		switch {
		case id.Type == "ISBN_13" && validISBN13(clean):
			b.ISBN13 = clean
		case id.Type == "ISBN_10" && validISBN10(clean):
			b.ISBN10 = clean
		}
	}

	links := v.VolumeInfo.ImageLinks
	b.CoverImageURL = firstNonEmpty(firstNonEmpty(firstNonEmpty(links.ExtraLarge, links.Large), links.Medium), links.Thumbnail)

	return extracted{source: p.Source, book: b, raw: raw}, nil
}

// bibliographicPayload is the shape of the secondary provider's edition
// resource.
type bibliographicPayload struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	Publishers    []string `json:"publishers"`
	PublishDate   string   `json:"publish_date"`
	NumberOfPages int      `json:"number_of_pages"`
	ISBN10        []string `json:"isbn_10"`
	ISBN13        []string `json:"isbn_13"`
	Subjects      []string `json:"subjects"`
	Languages     []struct {
		Key string `json:"key"`
	} `json:"languages"`
	Description any `json:"description"` // String or {"value": string}.
	ByStatement string `json:"by_statement"`
}

func extractBibliographic(p payload) (extracted, error) {
	var v bibliographicPayload
	if err := json.Unmarshal(p.Raw, &v); err != nil {
		return extracted{}, errParse
	}

	b := Book{
		Title:         v.Title,
		Subtitle:      v.Subtitle,
		PublishedDate: v.PublishDate,
		PageCount:     v.NumberOfPages,
		Categories:    v.Subjects,
	}
	if len(v.Publishers) > 0 {
		b.Publisher = v.Publishers[0]
	}
	for _, raw := range v.ISBN13 {
		if clean := sanitizeISBN(raw); validISBN13(clean) {
			b.ISBN13 = clean
			break
		}
	}
	for _, raw := range v.ISBN10 {
		if clean := sanitizeISBN(raw); validISBN10(clean) {
			b.ISBN10 = clean
			break
		}
	}
	if len(v.Languages) > 0 {
		b.Language = strings.TrimPrefix(v.Languages[0].Key, "/languages/")
	}
	switch d := v.Description.(type) {
	case string:
		b.Description = d
	case map[string]any:
		if s, ok := d["value"].(string); ok {
			b.Description = s
		}
	}
	if v.ByStatement != "" {
		b.Authors = []string{strings.TrimSuffix(strings.TrimPrefix(v.ByStatement, "by "), ".")}
	}

	return extracted{source: p.Source, book: b, raw: p.Raw}, nil
}

// editorialPayload is the slice of a bestseller entry relevant to
// aggregation: titles arrive SHOUTING and get normalized.
type editorialPayload struct {
	Title string `json:"title"`
}

func extractEditorial(p payload) (extracted, error) {
	var v editorialPayload
	if err := json.Unmarshal(p.Raw, &v); err != nil {
		return extracted{}, errParse
	}
	return extracted{
		source: p.Source,
		book:   Book{Title: titleCase(v.Title)},
		raw:    p.Raw,
	}, nil
}

// titleCase converts an all-caps editorial title to title case.
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
