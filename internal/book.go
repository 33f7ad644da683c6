package internal

import (
	"encoding/json"
	"time"
)

// Source identifies where a payload or mapping came from.
type Source string

const (
	// SourcePrimaryAuth is the primary volumes API with an API key.
	SourcePrimaryAuth Source = "primary-authenticated"
	// SourcePrimary is the primary volumes API without credentials.
	SourcePrimary Source = "primary"
	// SourcePrimaryISBN is the primary API reached through an ISBN search.
	SourcePrimaryISBN Source = "primary-isbn"
	// SourceSecondary is the open bibliographic provider.
	SourceSecondary Source = "secondary"
	// SourceEditorial is the bestseller/editorial provider. It may only
	// contribute titles when every other source is empty.
	SourceEditorial Source = "editorial"
)

// precedence orders sources highest-confidence first for field merging.
var precedence = []Source{
	SourcePrimaryAuth,
	SourcePrimary,
	SourcePrimaryISBN,
	SourceSecondary,
	SourceEditorial,
}

// Book is the canonical record served by the engine. The ID is a
// time-ordered UUID and is immutable once minted.
type Book struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle,omitempty"`
	Description string `json:"description,omitempty"`
	Slug        string `json:"slug,omitempty"`

	ISBN10 string `json:"isbn10,omitempty"`
	ISBN13 string `json:"isbn13,omitempty"`

	Publisher     string `json:"publisher,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
	Language      string `json:"language,omitempty"`
	PageCount     int    `json:"pageCount,omitempty"`

	EditionNumber   int    `json:"editionNumber,omitempty"`
	EditionGroupKey string `json:"editionGroupKey,omitempty"`

	CoverImageURL string  `json:"coverImageUrl,omitempty"`
	AverageRating float64 `json:"averageRating,omitempty"`
	RatingsCount  int64   `json:"ratingsCount,omitempty"`

	ListPrice    float64 `json:"listPrice,omitempty"`
	CurrencyCode string  `json:"currencyCode,omitempty"`

	InfoLink      string `json:"infoLink,omitempty"`
	PreviewLink   string `json:"previewLink,omitempty"`
	PurchaseLink  string `json:"purchaseLink,omitempty"`
	WebReaderLink string `json:"webReaderLink,omitempty"`
	PDFAvailable  bool   `json:"pdfAvailable,omitempty"`
	EpubAvailable bool   `json:"epubAvailable,omitempty"`

	Categories []string       `json:"categories,omitempty"`
	Authors    []string       `json:"authors,omitempty"`
	Qualifiers map[string]any `json:"qualifiers,omitempty"`

	// ProviderID is the upstream volume ID this record was last resolved
	// through, if any.
	ProviderID string `json:"providerId,omitempty"`

	// RawJSONResponse is the composite aggregated payload the record was
	// built from. Opaque.
	RawJSONResponse json.RawMessage `json:"rawJsonResponse,omitempty"`
}

// Empty reports whether the book carries no usable identity or content.
func (b *Book) Empty() bool {
	return b == nil || (b.ID == "" && b.Title == "" && b.ISBN13 == "" && b.ISBN10 == "" && b.ProviderID == "")
}

// payload is one provider response awaiting aggregation. Raw is opaque to
// everything except the aggregator.
type payload struct {
	Source Source
	Raw    []byte
}

// ExternalIDMapping links (source, externalID) to a canonical book and keeps
// the provider's denormalized view of it.
type ExternalIDMapping struct {
	BookID     string
	Source     Source
	ExternalID string

	ProviderISBN10 string
	ProviderISBN13 string
	InfoLink       string
	PreviewLink    string
	PurchaseLink   string
	WebReaderLink  string
	AverageRating  float64
	RatingsCount   int64
	PDFAvailable   bool
	EpubAvailable  bool
	ListPrice      float64
	CurrencyCode   string
}

// ImageLinkType distinguishes the image links stored per book.
type ImageLinkType string

const (
	ImagePreferred ImageLinkType = "preferred"
	ImageFallback  ImageLinkType = "fallback"
	ImageExternal  ImageLinkType = "external"
	ImageObject    ImageLinkType = "object"
)

// BookList is an externally curated, ordered list (e.g. a bestseller list).
type BookList struct {
	ID            string
	Provider      Source
	ListCode      string
	DisplayName   string
	PublishedDate string
	RawJSON       json.RawMessage
}

// ListMembership places a book on a list with its provider-reported rank.
type ListMembership struct {
	ListID      string
	BookID      string
	Rank        int
	WeeksOnList int
	ISBN10      string
	ISBN13      string
	ReferralURL string
}

// ViewStats aggregates recent-view counts for a book.
type ViewStats struct {
	BookID      string
	Last24Hours int64
	Last7Days   int64
	Last30Days  int64
	LastViewed  time.Time
}
