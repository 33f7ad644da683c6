package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object cache layout. The versioned prefix is the canonical keyspace;
// legacy prefixes are only read during consolidation.
const (
	objBookPrefix = "books/v1/"
	objSitemapKey = "sitemap/accumulated-ids.json"
)

// BookObjectKey returns the canonical object key for a book.
func BookObjectKey(canonicalID string) string {
	return objBookPrefix + canonicalID + ".json"
}

// errBlobNotFound distinguishes a missing key from a service failure so the
// retry loop only retries the latter.
var errBlobNotFound = errors.New("blob not found")

// blobStore is the transport under the object cache. minioStore implements
// it for real deployments; tests use memBlobStore.
type blobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
}

// minioStore talks to any S3-compatible endpoint.
type minioStore struct {
	client *minio.Client
	bucket string
}

var _ blobStore = (*minioStore)(nil)

// NewMinioStore creates a blob store and ensures the bucket exists.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (blobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
	}

	return &minioStore{client: client, bucket: bucket}, nil
}

func (s *minioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errBlobNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *minioStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (s *minioStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (s *minioStore) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src},
	)
	return err
}

func (s *minioStore) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// WritePolicy decides what happens when the write-back heuristic is
// inconclusive.
type WritePolicy string

const (
	// WritePolicyKeep preserves the existing blob on inconclusive
	// comparisons. The conservative default.
	WritePolicyKeep WritePolicy = "keep"
	// WritePolicyOverwrite replaces the existing blob instead.
	WritePolicyOverwrite WritePolicy = "overwrite"
)

// fetchKind classifies object cache reads.
type fetchKind int

const (
	fetchSuccess fetchKind = iota
	fetchNotFound
	fetchDisabled
	fetchServiceError
)

// fetchResult is the outcome of ObjectCache.Fetch. NotFound and Disabled
// are terminal non-errors.
type fetchResult struct {
	kind    fetchKind
	payload []byte
	err     error
}

// ObjectCache is the blob tier. It retries service errors with exponential
// backoff, transparently inflates gzip payloads, and applies the write-back
// heuristic on upload.
type ObjectCache struct {
	store  blobStore
	policy WritePolicy

	maxAttempts    uint64
	initialBackoff time.Duration
	multiplier     float64
}

// NewObjectCache wraps a blob store. A nil store yields a disabled tier;
// the fetcher pattern-matches on that and skips it.
func NewObjectCache(store blobStore, policy WritePolicy, maxAttempts int, initialBackoff time.Duration, multiplier float64) *ObjectCache {
	if policy == "" {
		policy = WritePolicyKeep
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if initialBackoff <= 0 {
		initialBackoff = 200 * time.Millisecond
	}
	if multiplier < 1 {
		multiplier = 2.0
	}
	return &ObjectCache{
		store:          store,
		policy:         policy,
		maxAttempts:    uint64(maxAttempts),
		initialBackoff: initialBackoff,
		multiplier:     multiplier,
	}
}

// Enabled reports whether the tier is configured.
func (o *ObjectCache) Enabled() bool {
	return o != nil && o.store != nil
}

func (o *ObjectCache) retrier(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.initialBackoff
	b.Multiplier = o.multiplier
	return backoff.WithContext(backoff.WithMaxRetries(b, o.maxAttempts-1), ctx)
}

// Fetch reads the blob for the key. Only service errors are retried.
func (o *ObjectCache) Fetch(ctx context.Context, key string) fetchResult {
	if !o.Enabled() {
		return fetchResult{kind: fetchDisabled}
	}

	var payload []byte
	err := backoff.Retry(func() error {
		data, err := o.store.Get(ctx, key)
		if errors.Is(err, errBlobNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		payload = data
		return nil
	}, o.retrier(ctx))

	if errors.Is(err, errBlobNotFound) {
		return fetchResult{kind: fetchNotFound}
	}
	if err != nil {
		return fetchResult{kind: fetchServiceError, err: err}
	}

	inflated, err := maybeGunzip(payload)
	if err != nil {
		return fetchResult{kind: fetchServiceError, err: fmt.Errorf("inflating %s: %w", key, err)}
	}
	return fetchResult{kind: fetchSuccess, payload: inflated}
}

// Upload writes the blob unconditionally (with retry).
func (o *ObjectCache) Upload(ctx context.Context, key string, data []byte) error {
	if !o.Enabled() {
		return errDisabled
	}
	return backoff.Retry(func() error {
		return o.store.Put(ctx, key, data)
	}, o.retrier(ctx))
}

// List enumerates keys under the prefix.
func (o *ObjectCache) List(ctx context.Context, prefix string) ([]string, error) {
	if !o.Enabled() {
		return nil, errDisabled
	}
	return o.store.List(ctx, prefix)
}

// Copy duplicates src to dst.
func (o *ObjectCache) Copy(ctx context.Context, src, dst string) error {
	if !o.Enabled() {
		return errDisabled
	}
	return o.store.Copy(ctx, src, dst)
}

// Delete removes the key.
func (o *ObjectCache) Delete(ctx context.Context, key string) error {
	if !o.Enabled() {
		return errDisabled
	}
	return o.store.Delete(ctx, key)
}

// WriteBack persists newJSON for the book unless the existing blob is
// judged better. It returns the payload considered authoritative
// afterwards.
func (o *ObjectCache) WriteBack(ctx context.Context, canonicalID string, newJSON []byte) ([]byte, error) {
	if !o.Enabled() {
		return newJSON, errDisabled
	}
	key := BookObjectKey(canonicalID)

	existing := o.Fetch(ctx, key)
	switch existing.kind {
	case fetchNotFound, fetchServiceError:
		// Nothing usable on the other side; write ours.
		return newJSON, o.Upload(ctx, key, newJSON)
	}

	if shouldReplaceBlob(newJSON, existing.payload, o.policy) {
		return newJSON, o.Upload(ctx, key, newJSON)
	}
	return existing.payload, nil
}

// blobFacts are the fields the replacement heuristic inspects.
type blobFacts struct {
	Description   string   `json:"description"`
	Publisher     string   `json:"publisher"`
	PublishedDate string   `json:"publishedDate"`
	PageCount     int      `json:"pageCount"`
	ISBN10        string   `json:"isbn10"`
	ISBN13        string   `json:"isbn13"`
	Categories    []string `json:"categories"`
	Language      string   `json:"language"`
}

func (f blobFacts) populated() int {
	n := 0
	if f.Publisher != "" {
		n++
	}
	if f.PublishedDate != "" {
		n++
	}
	if f.PageCount > 0 {
		n++
	}
	if f.ISBN10 != "" {
		n++
	}
	if f.ISBN13 != "" {
		n++
	}
	if len(f.Categories) > 0 {
		n++
	}
	if f.Language != "" {
		n++
	}
	return n
}

// shouldReplaceBlob decides whether newJSON should replace existing:
// unreadable or identical blobs short-circuit, then description richness,
// then populated-field count, then the configured policy.
func shouldReplaceBlob(newJSON, existing []byte, policy WritePolicy) bool {
	if len(existing) == 0 {
		return true
	}
	if bytes.Equal(newJSON, existing) {
		return false
	}

	var ef blobFacts
	if err := json.Unmarshal(existing, &ef); err != nil {
		return true
	}
	var nf blobFacts
	if err := json.Unmarshal(newJSON, &nf); err != nil {
		return false
	}

	newDesc := strings.TrimSpace(nf.Description)
	oldDesc := strings.TrimSpace(ef.Description)
	if newDesc != "" {
		if oldDesc == "" {
			return true
		}
		if float64(len(newDesc)) >= float64(len(oldDesc))*1.1 {
			return true
		}
	}

	if nf.populated() > ef.populated() {
		return true
	}

	return policy == WritePolicyOverwrite
}

// UpdateSitemap merges the IDs into the accumulated sitemap key, keeping
// the array sorted and deduplicated.
func (o *ObjectCache) UpdateSitemap(ctx context.Context, canonicalIDs ...string) error {
	if !o.Enabled() || len(canonicalIDs) == 0 {
		return nil
	}

	ids := []string{}
	if res := o.Fetch(ctx, objSitemapKey); res.kind == fetchSuccess {
		// A corrupt sitemap is rebuilt from scratch.
		_ = json.Unmarshal(res.payload, &ids)
	}

	seen := newSet(ids...)
	for _, id := range canonicalIDs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return o.Upload(ctx, objSitemapKey, out)
}

// maybeGunzip inflates data when it carries the gzip magic bytes.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}
