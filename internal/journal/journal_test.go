package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(execID string, seq int64, level Severity, nodeID, msg string) Entry {
	return Entry{
		ExecutionID: execID,
		Sequence:    seq,
		Level:       level,
		NodeID:      nodeID,
		Message:     msg,
		Timestamp:   time.Now(),
	}
}

func TestAppendIsIdempotentPerSequence(t *testing.T) {
	j := NewInMemoryJournal()
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, entry("e1", 1, SeverityInfo, "", "started")))
	require.NoError(t, j.Append(ctx, entry("e1", 1, SeverityInfo, "", "started (replayed)")))
	require.NoError(t, j.Append(ctx, entry("e1", 2, SeverityInfo, "n1", "node started")))

	entries, err := j.List(ctx, "e1", 0, "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "started", entries[0].Message)
}

func TestListReturnsSequenceOrder(t *testing.T) {
	j := NewInMemoryJournal()
	ctx := context.Background()

	// Appended out of order, read back ordered.
	require.NoError(t, j.Append(ctx, entry("e1", 3, SeverityInfo, "n2", "third")))
	require.NoError(t, j.Append(ctx, entry("e1", 1, SeverityInfo, "", "first")))
	require.NoError(t, j.Append(ctx, entry("e1", 2, SeverityWarn, "n1", "second")))

	entries, err := j.List(ctx, "e1", 0, "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, want := range []int64{1, 2, 3} {
		assert.Equal(t, want, entries[i].Sequence)
	}
}

func TestListFilters(t *testing.T) {
	j := NewInMemoryJournal()
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, entry("e1", 1, SeverityInfo, "n1", "a")))
	require.NoError(t, j.Append(ctx, entry("e1", 2, SeverityError, "n1", "b")))
	require.NoError(t, j.Append(ctx, entry("e1", 3, SeverityError, "n2", "c")))
	require.NoError(t, j.Append(ctx, entry("e2", 1, SeverityError, "n1", "other execution")))

	byLevel, err := j.List(ctx, "e1", 0, SeverityError, "", 0)
	require.NoError(t, err)
	assert.Len(t, byLevel, 2)

	byNode, err := j.List(ctx, "e1", 0, "", "n1", 0)
	require.NoError(t, err)
	assert.Len(t, byNode, 2)

	fromSeq, err := j.List(ctx, "e1", 2, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, fromSeq, 2)
	assert.Equal(t, int64(2), fromSeq[0].Sequence)

	limited, err := j.List(ctx, "e1", 0, "", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestExecutionsAreIsolated(t *testing.T) {
	j := NewInMemoryJournal()
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, entry("e1", 1, SeverityInfo, "", "one")))
	require.NoError(t, j.Append(ctx, entry("e2", 1, SeverityInfo, "", "two")))

	entries, err := j.List(ctx, "e1", 0, "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "one", entries[0].Message)
}
