package internal

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// memStore is an in-memory store with the same merge semantics as the
// Postgres adapter: non-empty incoming fields win, existing slugs stick.
type memStore struct {
	mu           sync.Mutex
	books        map[string]*Book
	mappings     map[string]ExternalIDMapping
	snapshots    map[string][]byte
	imageLinks   map[string]string
	editionLinks map[string][]string
	lists        map[string]*BookList
	memberships  map[string]ListMembership
	views        map[string]int
	refreshes    int
}

var _ store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		books:        map[string]*Book{},
		mappings:     map[string]ExternalIDMapping{},
		snapshots:    map[string][]byte{},
		imageLinks:   map[string]string{},
		editionLinks: map[string][]string{},
		lists:        map[string]*BookList{},
		memberships:  map[string]ListMembership{},
		views:        map[string]int{},
	}
}

func mappingKey(source Source, externalID string) string {
	return string(source) + "|" + externalID
}

func (m *memStore) FetchByCanonicalID(_ context.Context, id string) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, errNotFound
}

func (m *memStore) FetchByISBN13(_ context.Context, isbn13 string) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.books {
		if b.ISBN13 == isbn13 {
			cp := *b
			return &cp, nil
		}
	}
	for _, mp := range m.mappings {
		if mp.ProviderISBN13 == isbn13 {
			if b, ok := m.books[mp.BookID]; ok {
				cp := *b
				return &cp, nil
			}
		}
	}
	return nil, errNotFound
}

func (m *memStore) FetchByISBN10(_ context.Context, isbn10 string) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.books {
		if b.ISBN10 == isbn10 {
			cp := *b
			return &cp, nil
		}
	}
	for _, mp := range m.mappings {
		if mp.ProviderISBN10 == isbn10 {
			if b, ok := m.books[mp.BookID]; ok {
				cp := *b
				return &cp, nil
			}
		}
	}
	return nil, errNotFound
}

func (m *memStore) FetchBySlug(_ context.Context, slug string) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.books {
		if b.Slug == slug {
			cp := *b
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (m *memStore) FetchByExternalID(_ context.Context, source Source, externalID string) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.mappings[mappingKey(source, externalID)]; ok {
		if b, ok := m.books[mp.BookID]; ok {
			cp := *b
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (m *memStore) UpsertBook(_ context.Context, book *Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.books[book.ID]
	if !ok {
		cp := *book
		m.books[book.ID] = &cp
		return nil
	}

	merged := *existing
	merged.Title = firstNonEmpty(book.Title, existing.Title)
	merged.Subtitle = firstNonEmpty(book.Subtitle, existing.Subtitle)
	merged.Description = firstNonEmpty(book.Description, existing.Description)
	merged.ISBN10 = firstNonEmpty(book.ISBN10, existing.ISBN10)
	merged.ISBN13 = firstNonEmpty(book.ISBN13, existing.ISBN13)
	merged.PublishedDate = firstNonEmpty(book.PublishedDate, existing.PublishedDate)
	merged.Language = firstNonEmpty(book.Language, existing.Language)
	merged.Publisher = firstNonEmpty(book.Publisher, existing.Publisher)
	merged.EditionGroupKey = firstNonEmpty(book.EditionGroupKey, existing.EditionGroupKey)
	merged.CoverImageURL = firstNonEmpty(book.CoverImageURL, existing.CoverImageURL)
	// Existing slugs stick.
	merged.Slug = firstNonEmpty(existing.Slug, book.Slug)
	if book.PageCount != 0 {
		merged.PageCount = book.PageCount
	}
	if book.EditionNumber != 0 {
		merged.EditionNumber = book.EditionNumber
	}
	m.books[book.ID] = &merged
	return nil
}

func (m *memStore) UpsertExternalMapping(_ context.Context, mp ExternalIDMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[mappingKey(mp.Source, mp.ExternalID)] = mp
	return nil
}

func (m *memStore) UpsertRawSnapshot(_ context.Context, id string, source Source, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id+"|"+string(source)] = raw
	return nil
}

func (m *memStore) UpsertImageLink(_ context.Context, id string, typ ImageLinkType, url string, _ Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageLinks[id+"|"+string(typ)] = url
	return nil
}

func (m *memStore) EnsureUniqueSlug(_ context.Context, desired string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taken := func(slug string) bool {
		for _, b := range m.books {
			if b.Slug == slug {
				return true
			}
		}
		return false
	}
	candidate := desired
	for i := 2; taken(candidate); i++ {
		candidate = fmt.Sprintf("%s-%d", desired, i)
	}
	return candidate, nil
}

func (m *memStore) ReassignExternalMappings(_ context.Context, fromBookID, toBookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, mp := range m.mappings {
		if mp.BookID == fromBookID {
			mp.BookID = toBookID
			m.mappings[k] = mp
		}
	}
	return nil
}

func (m *memStore) FetchEditionGroup(_ context.Context, key string) ([]*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Book
	for _, b := range m.books {
		if b.EditionGroupKey == key {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ReplaceEditionLinks(_ context.Context, primaryID string, siblingIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editionLinks[primaryID] = siblingIDs
	return nil
}

func (m *memStore) UpsertList(_ context.Context, list *BookList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(list.Provider) + "|" + list.ListCode + "|" + list.PublishedDate
	if existing, ok := m.lists[key]; ok {
		list.ID = existing.ID
	}
	cp := *list
	m.lists[key] = &cp
	return nil
}

func (m *memStore) UpsertListMembership(_ context.Context, mp ListMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[mp.ListID+"|"+mp.BookID] = mp
	return nil
}

func (m *memStore) RecordView(_ context.Context, id string, _ Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[id]++
	return nil
}

func (m *memStore) FetchViewStatsForBook(_ context.Context, id string) (*ViewStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(m.views[id])
	return &ViewStats{BookID: id, Last24Hours: n, Last7Days: n, Last30Days: n}, nil
}

func (m *memStore) FetchMostRecentViews(_ context.Context, limit int) ([]ViewStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ViewStats
	for id, n := range m.views {
		out = append(out, ViewStats{BookID: id, Last30Days: int64(n)})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) SearchBooks(_ context.Context, query, language string, limit int) ([]*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var out []*Book
	for _, b := range m.books {
		if language != "" && b.Language != language {
			continue
		}
		if strings.Contains(strings.ToLower(b.Title), q) {
			cp := *b
			out = append(out, &cp)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) RefreshSearchView(_ context.Context, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return nil
}

// memBlobStore is an in-memory blobStore.
type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  map[string]error
}

var _ blobStore = (*memBlobStore)(nil)

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: map[string][]byte{}, fail: map[string]error{}}
}

func (m *memBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[key]; ok {
		return nil, err
	}
	if data, ok := m.blobs[key]; ok {
		return data, nil
	}
	return nil, errBlobNotFound
}

func (m *memBlobStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return nil
}

func (m *memBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memBlobStore) Copy(ctx context.Context, src, dst string) error {
	data, err := m.Get(ctx, src)
	if err != nil {
		return err
	}
	return m.Put(ctx, dst, data)
}

func (m *memBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// fakeVolumes is a canned primary provider that counts calls.
type fakeVolumes struct {
	mu          sync.Mutex
	byID        map[string][]byte
	byISBN      map[string][]byte
	searchPages map[string][]byte
	err         error
	calls       int
}

var _ volumeAPI = (*fakeVolumes)(nil)

func newFakeVolumes() *fakeVolumes {
	return &fakeVolumes{
		byID:        map[string][]byte{},
		byISBN:      map[string][]byte{},
		searchPages: map[string][]byte{},
	}
}

func (f *fakeVolumes) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeVolumes) FetchVolumeByID(_ context.Context, id string, _ bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if raw, ok := f.byID[id]; ok {
		return raw, nil
	}
	return nil, errNotFound
}

func (f *fakeVolumes) SearchVolumes(_ context.Context, query string, _ int, _, _ string, _ bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if raw, ok := f.searchPages[query]; ok {
		return raw, nil
	}
	return nil, errNotFound
}

func (f *fakeVolumes) FetchByISBN(_ context.Context, isbn string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if raw, ok := f.byISBN[isbn]; ok {
		return raw, nil
	}
	return nil, errNotFound
}

// fakeBib is a canned secondary provider.
type fakeBib struct {
	mu      sync.Mutex
	byISBN  map[string][]byte
	byTitle map[string][]byte
	err     error
	calls   int
}

var _ bibliographicAPI = (*fakeBib)(nil)

func newFakeBib() *fakeBib {
	return &fakeBib{byISBN: map[string][]byte{}, byTitle: map[string][]byte{}}
}

func (f *fakeBib) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBib) FetchByISBN(_ context.Context, isbn string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if raw, ok := f.byISBN[isbn]; ok {
		return raw, nil
	}
	return nil, errNotFound
}

func (f *fakeBib) SearchTitles(_ context.Context, title string, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if raw, ok := f.byTitle[title]; ok {
		return raw, nil
	}
	return nil, errNotFound
}

// fakeEditorial serves one canned overview.
type fakeEditorial struct {
	overview []byte
	err      error
}

var _ editorialAPI = (*fakeEditorial)(nil)

func (f *fakeEditorial) FetchBestsellerOverview(context.Context) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.overview, nil
}
