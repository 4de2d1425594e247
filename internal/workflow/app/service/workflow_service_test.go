package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/internal/platform/config"
	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/version"
	"github.com/flowmaestro/flowmaestro/internal/workflow/adapters/repository/memory"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/service/domainservice"
)

func testService(t *testing.T) (*WorkflowService, *version.InMemoryStore) {
	t.Helper()
	repo := memory.NewWorkflowRepository()
	versions := version.NewInMemoryStore()
	log := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	return NewWorkflowService(domainservice.NewWorkflowDomainService(repo), repo, versions, log), versions
}

func definitionWithURL(url string) model.Definition {
	return model.Definition{
		Name: "d",
		Nodes: map[string]model.Node{
			"n1": {Name: "n1", Type: "http", Config: map[string]interface{}{"url": url}},
		},
		EntryPoint: "n1",
	}
}

func TestCreateWorkflowSnapshotsVersionOne(t *testing.T) {
	svc, versions := testService(t)
	ctx := context.Background()

	w, err := svc.CreateWorkflow(ctx, CreateWorkflowCommand{
		UserID: "u1", Name: "wf", Definition: definitionWithURL("https://a.example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, w.Version())

	snap, err := versions.Latest(ctx, w.ID().String())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Number)
}

func TestUpdateDefinitionBumpsVersionAndSnapshots(t *testing.T) {
	svc, versions := testService(t)
	ctx := context.Background()

	w, err := svc.CreateWorkflow(ctx, CreateWorkflowCommand{
		UserID: "u1", Name: "wf", Definition: definitionWithURL("https://a.example.com"),
	})
	require.NoError(t, err)

	v2 := definitionWithURL("https://b.example.com")
	updated, err := svc.UpdateWorkflow(ctx, UpdateWorkflowCommand{
		WorkflowID: w.ID(), UpdatedBy: "u1", Definition: &v2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version())

	snap, err := versions.Latest(ctx, w.ID().String())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Number)
	assert.Equal(t, "https://b.example.com", snap.Definition.Nodes["n1"].Config["url"])
}

func TestRevertRestoresOldBytesAsNewVersion(t *testing.T) {
	svc, versions := testService(t)
	ctx := context.Background()

	w, err := svc.CreateWorkflow(ctx, CreateWorkflowCommand{
		UserID: "u1", Name: "wf", Definition: definitionWithURL("https://a.example.com"),
	})
	require.NoError(t, err)

	v2 := definitionWithURL("https://b.example.com")
	_, err = svc.UpdateWorkflow(ctx, UpdateWorkflowCommand{WorkflowID: w.ID(), UpdatedBy: "u1", Definition: &v2})
	require.NoError(t, err)

	reverted, err := svc.RevertWorkflow(ctx, w.ID(), 1, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, reverted.Version())
	assert.Equal(t, "https://a.example.com", reverted.Definition().Nodes["n1"].Config["url"])

	// The pre-revert snapshot is untouched: byte-stable history.
	v1, err := versions.Get(ctx, w.ID().String(), 1)
	require.NoError(t, err)
	v3, err := versions.Get(ctx, w.ID().String(), 3)
	require.NoError(t, err)
	raw1, _ := json.Marshal(v1.Definition)
	raw3, _ := json.Marshal(v3.Definition)
	assert.JSONEq(t, string(raw1), string(raw3))

	v2snap, err := versions.Get(ctx, w.ID().String(), 2)
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.com", v2snap.Definition.Nodes["n1"].Config["url"])
}

func TestSnapshotVersionAddsLabeledEntry(t *testing.T) {
	svc, versions := testService(t)
	ctx := context.Background()

	w, err := svc.CreateWorkflow(ctx, CreateWorkflowCommand{
		UserID: "u1", Name: "wf", Definition: definitionWithURL("https://a.example.com"),
	})
	require.NoError(t, err)

	snap, err := svc.SnapshotVersion(ctx, w.ID(), "golden", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Number)
	assert.Equal(t, "golden", snap.Label)

	all, err := versions.List(ctx, w.ID().String())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRenameAndDeleteVersion(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	w, err := svc.CreateWorkflow(ctx, CreateWorkflowCommand{
		UserID: "u1", Name: "wf", Definition: definitionWithURL("https://a.example.com"),
	})
	require.NoError(t, err)

	snap, err := svc.SnapshotVersion(ctx, w.ID(), "", "u1")
	require.NoError(t, err)

	require.NoError(t, svc.RenameVersion(ctx, snap.ID, "release"))
	got, err := svc.GetVersion(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "release", got.Label)

	require.NoError(t, svc.DeleteVersion(ctx, snap.ID))
	_, err = svc.GetVersion(ctx, snap.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestDeleteWorkflowIsSoft(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	w, err := svc.CreateWorkflow(ctx, CreateWorkflowCommand{
		UserID: "u1", Name: "wf", Definition: definitionWithURL("https://a.example.com"),
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteWorkflow(ctx, w.ID()))
	_, err = svc.GetWorkflow(ctx, w.ID())
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.True(t, w.IsDeleted())
}
