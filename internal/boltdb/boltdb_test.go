package boltdb

import (
	"context"
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedgerRoundTrip(t *testing.T) {
	assert := assert_.New(t)
	ctx := context.Background()
	l := newTestLedger(t)

	found, err := l.HasID(ctx, "7123")
	assert.NoError(err)
	assert.False(found)

	assert.NoError(l.UpdateID(ctx, "7123"))
	found, err = l.HasID(ctx, "7123")
	assert.NoError(err)
	assert.True(found)

	// Idempotent double write
	assert.NoError(l.UpdateID(ctx, "7123"))

	assert.NoError(l.DeleteID(ctx, "7123"))
	found, err = l.HasID(ctx, "7123")
	assert.NoError(err)
	assert.False(found)

	// Deleting a missing id is not an error
	assert.NoError(l.DeleteID(ctx, "missing"))
}

func TestLedgerListIDs(t *testing.T) {
	assert := assert_.New(t)
	ctx := context.Background()
	l := newTestLedger(t)

	for _, id := range []string{"1", "2", "3"} {
		assert.NoError(l.UpdateID(ctx, id))
	}
	ids, err := l.ListIDs(ctx)
	assert.NoError(err)
	assert.ElementsMatch([]string{"1", "2", "3"}, ids)
}
