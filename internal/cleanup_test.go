package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJanitorFixture(t *testing.T) (*BlobJanitor, *memBlobStore) {
	t.Helper()
	blobs := newMemBlobStore()
	return NewBlobJanitor(NewObjectCache(blobs, WritePolicyKeep, 1, time.Millisecond, 1.0)), blobs
}

func TestJanitorQuarantinesDamagedBlobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j, blobs := newJanitorFixture(t)

	blobs.blobs["covers/good.json"] = []byte(`{"ok": true}`)
	blobs.blobs["covers/broken.json"] = []byte("<html>504 Gateway Timeout</html>")
	blobs.blobs["covers/empty.json"] = []byte{}
	blobs.blobs["other/untouched.json"] = []byte("also broken")

	summary, err := j.Run(ctx, CleanupOpts{Prefix: "covers/"})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 2, summary.Quarantined)
	assert.Empty(t, summary.Errors)

	// Damaged blobs moved, not destroyed.
	assert.NotContains(t, blobs.blobs, "covers/broken.json")
	assert.Contains(t, blobs.blobs, "quarantine/covers/broken.json")
	assert.Contains(t, blobs.blobs, "quarantine/covers/empty.json")

	// Healthy and out-of-prefix blobs stay put.
	assert.Contains(t, blobs.blobs, "covers/good.json")
	assert.Contains(t, blobs.blobs, "other/untouched.json")
}

func TestJanitorDryRunMovesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j, blobs := newJanitorFixture(t)

	blobs.blobs["covers/broken.json"] = []byte("garbage")

	summary, err := j.Run(ctx, CleanupOpts{Prefix: "covers/", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Quarantined, "dry run still counts")
	assert.Contains(t, blobs.blobs, "covers/broken.json")
	assert.Len(t, blobs.blobs, 1)
}

func TestJanitorBatchCapsTheScan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j, blobs := newJanitorFixture(t)

	blobs.blobs["covers/a.json"] = []byte("bad")
	blobs.blobs["covers/b.json"] = []byte("bad")
	blobs.blobs["covers/c.json"] = []byte("bad")

	summary, err := j.Run(ctx, CleanupOpts{Prefix: "covers/", Batch: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
}

func TestJanitorDisabledWithoutObjectTier(t *testing.T) {
	t.Parallel()

	j := NewBlobJanitor(nil)
	_, err := j.Run(context.Background(), CleanupOpts{Prefix: "covers/"})
	assert.ErrorIs(t, err, errDisabled)
}
