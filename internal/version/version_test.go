package version

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
)

func testDefinition(entry string) model.Definition {
	return model.Definition{
		Name: "versioned",
		Nodes: map[string]model.Node{
			entry: {Name: entry, Type: "http", Config: map[string]interface{}{"url": "https://example.com"}},
		},
		EntryPoint: entry,
	}
}

func snapshot(workflowID string, number int, def model.Definition) *Snapshot {
	return &Snapshot{
		ID:         workflowID + ":" + time.Now().Format("150405.000000000"),
		WorkflowID: workflowID,
		Number:     number,
		Definition: def,
		CreatedBy:  "u1",
		CreatedAt:  time.Now(),
	}
}

func TestCreateRejectsDuplicateVersionNumber(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, snapshot("wf1", 1, testDefinition("n1"))))
	err := s.Create(ctx, snapshot("wf1", 1, testDefinition("n1")))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSnapshotContentIsByteStable(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	def := testDefinition("n1")
	snap := snapshot("wf1", 1, def)
	require.NoError(t, s.Create(ctx, snap))

	want, err := json.Marshal(def)
	require.NoError(t, err)

	// Mutating the caller's definition after Create must not leak into
	// the stored snapshot.
	def.Nodes["n1"].Config["url"] = "https://tampered.example.com"

	for i := 0; i < 3; i++ {
		got, err := s.Get(ctx, "wf1", 1)
		require.NoError(t, err)
		raw, err := json.Marshal(got.Definition)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(raw))
	}
}

func TestLatestReturnsHighestNumber(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, snapshot("wf1", 1, testDefinition("a"))))
	require.NoError(t, s.Create(ctx, snapshot("wf1", 3, testDefinition("c"))))
	require.NoError(t, s.Create(ctx, snapshot("wf1", 2, testDefinition("b"))))

	latest, err := s.Latest(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Number)
	assert.Equal(t, "c", latest.Definition.EntryPoint)
}

func TestListNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Create(ctx, snapshot("wf1", i, testDefinition("n1"))))
	}

	all, err := s.List(ctx, "wf1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].Number)
	assert.Equal(t, 1, all[2].Number)
}

func TestRenameLabelLeavesDefinitionUntouched(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	snap := snapshot("wf1", 1, testDefinition("n1"))
	require.NoError(t, s.Create(ctx, snap))

	before, err := s.GetByID(ctx, snap.ID)
	require.NoError(t, err)
	raw, _ := json.Marshal(before.Definition)

	require.NoError(t, s.RenameLabel(ctx, snap.ID, "golden"))

	after, err := s.GetByID(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "golden", after.Label)
	rawAfter, _ := json.Marshal(after.Definition)
	assert.JSONEq(t, string(raw), string(rawAfter))
}

func TestGetMissingVersion(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Get(context.Background(), "wf1", 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSnapshot(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	snap := snapshot("wf1", 1, testDefinition("n1"))
	require.NoError(t, s.Create(ctx, snap))
	require.NoError(t, s.Delete(ctx, snap.ID))

	_, err := s.GetByID(ctx, snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
