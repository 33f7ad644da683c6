package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/ohler55/ojg/oj"
)

// CleanupOpts tunes a blob-cleanup run.
type CleanupOpts struct {
	// Prefix to scan for garbage blobs.
	Prefix string
	// Quarantine is the prefix damaged blobs are moved under.
	Quarantine string
	// Batch caps how many blobs are inspected; 0 means all.
	Batch  int
	DryRun bool
}

// CleanupSummary reports one run.
type CleanupSummary struct {
	Scanned     int
	Quarantined int
	Errors      []string
}

// BlobJanitor finds blobs that are not parseable JSON and moves them to a
// quarantine prefix instead of deleting them outright, so a bad heuristic
// can't destroy data.
type BlobJanitor struct {
	objects *ObjectCache
}

// NewBlobJanitor creates the janitor.
func NewBlobJanitor(objects *ObjectCache) *BlobJanitor {
	return &BlobJanitor{objects: objects}
}

// Run scans the prefix and quarantines every blob that fails to parse.
func (j *BlobJanitor) Run(ctx context.Context, opts CleanupOpts) (*CleanupSummary, error) {
	if !j.objects.Enabled() {
		return nil, errDisabled
	}
	if opts.Quarantine == "" {
		opts.Quarantine = "quarantine/"
	}
	if !strings.HasSuffix(opts.Quarantine, "/") {
		opts.Quarantine += "/"
	}

	keys, err := j.objects.List(ctx, opts.Prefix)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	if opts.Batch > 0 && len(keys) > opts.Batch {
		keys = keys[:opts.Batch]
	}

	summary := &CleanupSummary{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Scanned++

		if !j.damaged(ctx, key) {
			continue
		}
		if opts.DryRun {
			summary.Quarantined++
			continue
		}

		dst := opts.Quarantine + key
		if err := j.objects.Copy(ctx, key, dst); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: copying: %v", key, err))
			continue
		}
		if err := j.objects.Delete(ctx, key); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: deleting: %v", key, err))
			continue
		}
		summary.Quarantined++
	}

	return summary, nil
}

// damaged reports whether the blob fails to decode as JSON. Transient fetch
// errors don't count; only a readable, unparseable blob does.
func (j *BlobJanitor) damaged(ctx context.Context, key string) bool {
	res := j.objects.Fetch(ctx, key)
	if res.kind != fetchSuccess {
		return false
	}
	if len(res.payload) == 0 {
		return true
	}
	_, err := oj.Parse(res.payload)
	return err != nil
}
