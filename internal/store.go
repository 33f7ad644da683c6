package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// store is the relational tier consumed by the resolver and the fetcher.
// PGStore implements it against Postgres; tests use an in-memory fake.
type store interface {
	FetchByCanonicalID(ctx context.Context, canonicalID string) (*Book, error)
	FetchByISBN13(ctx context.Context, isbn13 string) (*Book, error)
	FetchByISBN10(ctx context.Context, isbn10 string) (*Book, error)
	FetchBySlug(ctx context.Context, slug string) (*Book, error)
	FetchByExternalID(ctx context.Context, source Source, externalID string) (*Book, error)

	UpsertBook(ctx context.Context, book *Book) error
	UpsertExternalMapping(ctx context.Context, m ExternalIDMapping) error
	UpsertRawSnapshot(ctx context.Context, canonicalID string, source Source, raw []byte) error
	UpsertImageLink(ctx context.Context, canonicalID string, typ ImageLinkType, url string, source Source) error

	EnsureUniqueSlug(ctx context.Context, desired string) (string, error)
	ReassignExternalMappings(ctx context.Context, fromBookID, toBookID string) error

	FetchEditionGroup(ctx context.Context, editionGroupKey string) ([]*Book, error)
	ReplaceEditionLinks(ctx context.Context, primaryID string, siblingIDs []string) error

	UpsertList(ctx context.Context, list *BookList) error
	UpsertListMembership(ctx context.Context, m ListMembership) error

	RecordView(ctx context.Context, canonicalID string, source Source) error
	FetchViewStatsForBook(ctx context.Context, canonicalID string) (*ViewStats, error)
	FetchMostRecentViews(ctx context.Context, limit int) ([]ViewStats, error)

	SearchBooks(ctx context.Context, query, language string, limit int) ([]*Book, error)
	RefreshSearchView(ctx context.Context, force bool) error
}

// PGStore is the Postgres adapter. All writes are idempotent upserts so
// the read path can retry them safely.
type PGStore struct {
	db *pgxpool.Pool

	refreshMu       sync.Mutex
	lastRefresh     time.Time
	refreshInterval time.Duration
}

var _ store = (*PGStore)(nil)

// newDB creates a pgx pool and confirms connectivity.
func newDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// NewPGStore connects to Postgres. refreshInterval debounces materialized
// view refreshes; values below a minute are raised to a minute.
func NewPGStore(ctx context.Context, dsn string, refreshInterval time.Duration) (*PGStore, error) {
	db, err := newDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if refreshInterval < time.Minute {
		refreshInterval = time.Minute
	}
	return &PGStore{db: db, refreshInterval: refreshInterval}, nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.db.Close()
}

const _bookColumns = `id, title, subtitle, description, isbn10, isbn13, published_date,
	language, publisher, page_count, edition_number, edition_group_key, slug, cover_image_url`

func scanBook(row pgx.Row) (*Book, error) {
	var b Book
	var subtitle, description, isbn10, isbn13, published, language, publisher, groupKey, slug, cover *string
	var pageCount, editionNumber *int

	err := row.Scan(&b.ID, &b.Title, &subtitle, &description, &isbn10, &isbn13, &published,
		&language, &publisher, &pageCount, &editionNumber, &groupKey, &slug, &cover)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning book: %w", err)
	}

	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	b.Subtitle = deref(subtitle)
	b.Description = deref(description)
	b.ISBN10 = deref(isbn10)
	b.ISBN13 = deref(isbn13)
	b.PublishedDate = deref(published)
	b.Language = deref(language)
	b.Publisher = deref(publisher)
	b.EditionGroupKey = deref(groupKey)
	b.Slug = deref(slug)
	b.CoverImageURL = deref(cover)
	if pageCount != nil {
		b.PageCount = *pageCount
	}
	if editionNumber != nil {
		b.EditionNumber = *editionNumber
	}
	return &b, nil
}

func (s *PGStore) fetchWhere(ctx context.Context, where string, args ...any) (*Book, error) {
	row := s.db.QueryRow(ctx, `SELECT `+_bookColumns+` FROM books WHERE `+where, args...)
	book, err := scanBook(row)
	if err != nil {
		return nil, err
	}
	// Authors and categories are denormalized into the raw snapshot; hydrate
	// from the freshest one.
	s.hydrateFromSnapshot(ctx, book)
	return book, nil
}

func (s *PGStore) hydrateFromSnapshot(ctx context.Context, book *Book) {
	row := s.db.QueryRow(ctx,
		`SELECT raw_json_response FROM book_raw_data WHERE book_id = $1 ORDER BY fetched_at DESC LIMIT 1`,
		book.ID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return
	}
	var extra struct {
		Authors    []string       `json:"authors"`
		Categories []string       `json:"categories"`
		Qualifiers map[string]any `json:"qualifiers"`
	}
	if err := json.Unmarshal(raw, &extra); err != nil {
		return
	}
	book.Authors = extra.Authors
	book.Categories = extra.Categories
	book.Qualifiers = extra.Qualifiers
	book.RawJSONResponse = raw
}

// FetchByCanonicalID loads a book by its UUID.
func (s *PGStore) FetchByCanonicalID(ctx context.Context, canonicalID string) (*Book, error) {
	return s.fetchWhere(ctx, `id = $1`, canonicalID)
}

// FetchByISBN13 loads a book by sanitized ISBN-13, checking the canonical
// table first and provider-reported ISBNs second.
func (s *PGStore) FetchByISBN13(ctx context.Context, isbn13 string) (*Book, error) {
	book, err := s.fetchWhere(ctx, `isbn13 = $1`, isbn13)
	if !errors.Is(err, errNotFound) {
		return book, err
	}
	return s.fetchWhere(ctx,
		`id = (SELECT book_id FROM book_external_ids WHERE provider_isbn13 = $1 LIMIT 1)`, isbn13)
}

// FetchByISBN10 mirrors FetchByISBN13 for the older namespace.
func (s *PGStore) FetchByISBN10(ctx context.Context, isbn10 string) (*Book, error) {
	book, err := s.fetchWhere(ctx, `isbn10 = $1`, isbn10)
	if !errors.Is(err, errNotFound) {
		return book, err
	}
	return s.fetchWhere(ctx,
		`id = (SELECT book_id FROM book_external_ids WHERE provider_isbn10 = $1 LIMIT 1)`, isbn10)
}

// FetchBySlug loads a book by its URL slug.
func (s *PGStore) FetchBySlug(ctx context.Context, slug string) (*Book, error) {
	return s.fetchWhere(ctx, `slug = $1`, slug)
}

// FetchByExternalID resolves a provider's volume ID to a book.
func (s *PGStore) FetchByExternalID(ctx context.Context, source Source, externalID string) (*Book, error) {
	return s.fetchWhere(ctx,
		`id = (SELECT book_id FROM book_external_ids WHERE source = $1 AND external_id = $2)`,
		string(source), externalID)
}

// UpsertBook inserts or merges the book row. Incoming non-null fields win;
// nulls preserve whatever the row already has.
func (s *PGStore) UpsertBook(ctx context.Context, book *Book) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO books (id, title, subtitle, description, isbn10, isbn13, published_date,
			language, publisher, page_count, edition_number, edition_group_key, slug,
			cover_image_url, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, 0), NULLIF($11, 0),
			NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''), now(), now())
		ON CONFLICT (id) DO UPDATE SET
			title             = COALESCE(NULLIF(EXCLUDED.title, ''), books.title),
			subtitle          = COALESCE(EXCLUDED.subtitle, books.subtitle),
			description       = COALESCE(EXCLUDED.description, books.description),
			isbn10            = COALESCE(EXCLUDED.isbn10, books.isbn10),
			isbn13            = COALESCE(EXCLUDED.isbn13, books.isbn13),
			published_date    = COALESCE(EXCLUDED.published_date, books.published_date),
			language          = COALESCE(EXCLUDED.language, books.language),
			publisher         = COALESCE(EXCLUDED.publisher, books.publisher),
			page_count        = COALESCE(EXCLUDED.page_count, books.page_count),
			edition_number    = COALESCE(EXCLUDED.edition_number, books.edition_number),
			edition_group_key = COALESCE(EXCLUDED.edition_group_key, books.edition_group_key),
			slug              = COALESCE(books.slug, EXCLUDED.slug),
			cover_image_url   = COALESCE(EXCLUDED.cover_image_url, books.cover_image_url),
			updated_at        = now()`,
		book.ID, book.Title, book.Subtitle, book.Description, book.ISBN10, book.ISBN13,
		book.PublishedDate, book.Language, book.Publisher, book.PageCount, book.EditionNumber,
		book.EditionGroupKey, book.Slug, book.CoverImageURL)
	if isUniqueViolation(err) {
		return errors.Join(errConflict, err)
	}
	return err
}

// UpsertExternalMapping records (source, externalID) → bookID. Consolidation
// may repoint the bookID, so the conflict target updates it.
func (s *PGStore) UpsertExternalMapping(ctx context.Context, m ExternalIDMapping) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO book_external_ids (book_id, source, external_id, provider_isbn10,
			provider_isbn13, info_link, preview_link, purchase_link, web_reader_link,
			average_rating, ratings_count, pdf_available, epub_available, list_price,
			currency_code, created_at, last_updated)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, 0), NULLIF($11, 0), $12, $13,
			NULLIF($14, 0), NULLIF($15, ''), now(), now())
		ON CONFLICT (source, external_id) DO UPDATE SET
			book_id         = EXCLUDED.book_id,
			provider_isbn10 = COALESCE(EXCLUDED.provider_isbn10, book_external_ids.provider_isbn10),
			provider_isbn13 = COALESCE(EXCLUDED.provider_isbn13, book_external_ids.provider_isbn13),
			info_link       = COALESCE(EXCLUDED.info_link, book_external_ids.info_link),
			preview_link    = COALESCE(EXCLUDED.preview_link, book_external_ids.preview_link),
			purchase_link   = COALESCE(EXCLUDED.purchase_link, book_external_ids.purchase_link),
			web_reader_link = COALESCE(EXCLUDED.web_reader_link, book_external_ids.web_reader_link),
			average_rating  = COALESCE(EXCLUDED.average_rating, book_external_ids.average_rating),
			ratings_count   = COALESCE(EXCLUDED.ratings_count, book_external_ids.ratings_count),
			pdf_available   = EXCLUDED.pdf_available,
			epub_available  = EXCLUDED.epub_available,
			list_price      = COALESCE(EXCLUDED.list_price, book_external_ids.list_price),
			currency_code   = COALESCE(EXCLUDED.currency_code, book_external_ids.currency_code),
			last_updated    = now()`,
		m.BookID, string(m.Source), m.ExternalID, m.ProviderISBN10, m.ProviderISBN13,
		m.InfoLink, m.PreviewLink, m.PurchaseLink, m.WebReaderLink, m.AverageRating,
		m.RatingsCount, m.PDFAvailable, m.EpubAvailable, m.ListPrice, m.CurrencyCode)
	return err
}

// UpsertRawSnapshot stores the latest raw payload per (book, source).
func (s *PGStore) UpsertRawSnapshot(ctx context.Context, canonicalID string, source Source, raw []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO book_raw_data (book_id, source, raw_json_response, fetched_at, contributed_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (book_id, source) DO UPDATE SET
			raw_json_response = EXCLUDED.raw_json_response,
			fetched_at        = now()`,
		canonicalID, string(source), raw)
	return err
}

// UpsertImageLink stores one URL per (book, image type).
func (s *PGStore) UpsertImageLink(ctx context.Context, canonicalID string, typ ImageLinkType, url string, source Source) error {
	if url == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO book_image_links (book_id, image_type, url, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (book_id, image_type) DO UPDATE SET
			url    = EXCLUDED.url,
			source = EXCLUDED.source`,
		canonicalID, string(typ), url, string(source))
	return err
}

// EnsureUniqueSlug defers to the ensure_unique_slug stored function, which
// appends numeric suffixes until the slug is free.
func (s *PGStore) EnsureUniqueSlug(ctx context.Context, desired string) (string, error) {
	var slug string
	err := s.db.QueryRow(ctx, `SELECT ensure_unique_slug($1)`, desired).Scan(&slug)
	if err != nil {
		return "", fmt.Errorf("ensuring slug: %w", err)
	}
	return slug, nil
}

// ReassignExternalMappings repoints all mappings from one book to another.
// Used by consolidation when collapsing duplicates.
func (s *PGStore) ReassignExternalMappings(ctx context.Context, fromBookID, toBookID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE book_external_ids SET book_id = $2, last_updated = now() WHERE book_id = $1`,
		fromBookID, toBookID)
	return err
}

// FetchEditionGroup returns all books sharing the edition group key.
func (s *PGStore) FetchEditionGroup(ctx context.Context, editionGroupKey string) ([]*Book, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+_bookColumns+` FROM books WHERE edition_group_key = $1 ORDER BY id`,
		editionGroupKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books := []*Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// ReplaceEditionLinks deletes any links involving the cluster and rewrites
// them primary→sibling.
func (s *PGStore) ReplaceEditionLinks(ctx context.Context, primaryID string, siblingIDs []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	involved := append([]string{primaryID}, siblingIDs...)
	_, err = tx.Exec(ctx,
		`DELETE FROM book_editions WHERE book_id = ANY($1) OR related_book_id = ANY($1)`,
		involved)
	if err != nil {
		return err
	}

	for _, sibling := range siblingIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO book_editions (book_id, related_book_id, link_source, relationship_type, created_at, updated_at)
			VALUES ($1, $2, 'resolver', 'ALTERNATE_EDITION', now(), now())
			ON CONFLICT (book_id, related_book_id) DO NOTHING`,
			primaryID, sibling)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpsertList stores bestseller list metadata keyed on (provider, code, date).
func (s *PGStore) UpsertList(ctx context.Context, list *BookList) error {
	// The settled ID comes back so memberships always reference the row
	// that won the conflict.
	row := s.db.QueryRow(ctx, `
		INSERT INTO book_lists (id, provider, provider_list_code, display_name, published_date, raw_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, provider_list_code, published_date) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			raw_json     = EXCLUDED.raw_json
		RETURNING id`,
		list.ID, string(list.Provider), list.ListCode, list.DisplayName, list.PublishedDate, list.RawJSON)
	return row.Scan(&list.ID)
}

// UpsertListMembership places a book on a list.
func (s *PGStore) UpsertListMembership(ctx context.Context, m ListMembership) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO book_lists_join (list_id, book_id, rank, weeks_on_list, provider_isbn10, provider_isbn13, referral_url)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (list_id, book_id) DO UPDATE SET
			rank          = EXCLUDED.rank,
			weeks_on_list = EXCLUDED.weeks_on_list,
			referral_url  = COALESCE(EXCLUDED.referral_url, book_lists_join.referral_url)`,
		m.ListID, m.BookID, m.Rank, m.WeeksOnList, m.ISBN10, m.ISBN13, m.ReferralURL)
	return err
}

// RecordView appends a view event. The table is append-only.
func (s *PGStore) RecordView(ctx context.Context, canonicalID string, source Source) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO recent_book_views (book_id, viewed_at, source) VALUES ($1, now(), $2)`,
		canonicalID, string(source))
	return err
}

// FetchViewStatsForBook aggregates view counts over the standard windows.
func (s *PGStore) FetchViewStatsForBook(ctx context.Context, canonicalID string) (*ViewStats, error) {
	row := s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE viewed_at > now() - interval '24 hours'),
			count(*) FILTER (WHERE viewed_at > now() - interval '7 days'),
			count(*) FILTER (WHERE viewed_at > now() - interval '30 days'),
			COALESCE(max(viewed_at), 'epoch'::timestamptz)
		FROM recent_book_views WHERE book_id = $1`, canonicalID)

	stats := ViewStats{BookID: canonicalID}
	err := row.Scan(&stats.Last24Hours, &stats.Last7Days, &stats.Last30Days, &stats.LastViewed)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// FetchMostRecentViews returns per-book counters for the most recently
// viewed books.
func (s *PGStore) FetchMostRecentViews(ctx context.Context, limit int) ([]ViewStats, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT book_id,
			count(*) FILTER (WHERE viewed_at > now() - interval '24 hours'),
			count(*) FILTER (WHERE viewed_at > now() - interval '7 days'),
			count(*) FILTER (WHERE viewed_at > now() - interval '30 days'),
			max(viewed_at) AS last_viewed
		FROM recent_book_views
		WHERE viewed_at > now() - interval '30 days'
		GROUP BY book_id
		ORDER BY last_viewed DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ViewStats{}
	for rows.Next() {
		var v ViewStats
		if err := rows.Scan(&v.BookID, &v.Last24Hours, &v.Last7Days, &v.Last30Days, &v.LastViewed); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SearchBooks queries the materialized search view.
func (s *PGStore) SearchBooks(ctx context.Context, query, language string, limit int) ([]*Book, error) {
	if limit <= 0 {
		limit = 20
	}
	where := `search_text @@ plainto_tsquery('simple', $1)`
	args := []any{query}
	if language != "" {
		where += ` AND language = $3`
		args = append(args, limit, language)
	} else {
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+_bookColumns+` FROM book_search_view WHERE `+where+` LIMIT $2`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books := []*Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// RefreshSearchView refreshes the materialized view, debounced to at most
// one refresh per interval unless forced.
func (s *PGStore) RefreshSearchView(ctx context.Context, force bool) error {
	s.refreshMu.Lock()
	if !force && time.Since(s.lastRefresh) < s.refreshInterval {
		s.refreshMu.Unlock()
		return nil
	}
	s.lastRefresh = time.Now()
	s.refreshMu.Unlock()

	start := time.Now()
	_, err := s.db.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY book_search_view`)
	if err != nil {
		return fmt.Errorf("refreshing search view: %w", err)
	}
	Log(ctx).Debug("refreshed search view", "duration", time.Since(start).String())
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23")
}
