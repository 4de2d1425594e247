package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowmaestro/flowmaestro/internal/engine"
	execmemory "github.com/flowmaestro/flowmaestro/internal/execution/adapters/repository/memory"
	execservice "github.com/flowmaestro/flowmaestro/internal/execution/app/service"
	"github.com/flowmaestro/flowmaestro/internal/fanout"
	"github.com/flowmaestro/flowmaestro/internal/journal"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	"github.com/flowmaestro/flowmaestro/internal/platform/config"
	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/trigger"
	"github.com/flowmaestro/flowmaestro/internal/version"
)

const testSecret = "test-jwt-secret"

func testServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.HTTP.Port = 0
	cfg.Auth.JWTSecret = testSecret
	cfg.Security.CORSOrigins = []string{"*"}

	log := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	zl := zap.NewNop()

	repo := execmemory.NewExecutionRepository()
	versions := version.NewInMemoryStore()
	j := journal.NewInMemoryJournal()
	hub := fanout.NewHub(zl)

	eng := engine.NewEngine(runtime.NewRegistry(),
		engine.WithExecutionRepository(repo),
		engine.WithVersionStore(versions),
		engine.WithJournal(j),
		engine.WithEventPublisher(hub),
		engine.WithLogger(zl),
	)

	supervisor := trigger.NewSupervisor(eng, trigger.NewInMemoryRepository(),
		trigger.NewInMemoryWebhookLogRepository(), trigger.NewInMemoryFireRepository(),
		nil, trigger.NewInMemoryEventSource(), zl, trigger.Config{})
	require.NoError(t, supervisor.Start(t.Context()))
	t.Cleanup(supervisor.Stop)

	execSvc := execservice.NewExecutionService(repo, supervisor, eng, j, log)

	return NewServer(cfg, log, Deps{
		ExecutionService: execSvc,
		Supervisor:       supervisor,
		Hub:              hub,
	})
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestAPIRejectsMissingToken(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/executions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIListExecutionsEnvelope(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/executions", nil)
	req.Header.Set("Authorization", bearer(t, "u1"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
	assert.Contains(t, envelope.Data, "items")
}

func TestAPIErrorEnvelopeOnUnknownExecution(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/executions/does-not-exist", nil)
	req.Header.Set("Authorization", bearer(t, "u1"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var envelope struct {
		Success bool `json:"success"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.False(t, envelope.Success)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "NOT_FOUND", envelope.Error.Code)
}

func TestWebhookIngressBypassesBearerAuth(t *testing.T) {
	srv := testServer(t)

	// No Authorization header; the route authenticates per trigger and
	// answers 404 for an unknown one rather than 401.
	req := httptest.NewRequest("POST", "/hooks/wf1/unknown-trigger", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerCRUDRoundTrip(t *testing.T) {
	srv := testServer(t)
	auth := bearer(t, "u1")

	create := `{"workflowId":"wf1","name":"hook","kind":"webhook"}`
	req := httptest.NewRequest("POST", "/api/triggers", strings.NewReader(create))
	req.Header.Set("Authorization", auth)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data trigger.Trigger `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Data.ID)
	require.NotNil(t, created.Data.Webhook)
	assert.NotEmpty(t, created.Data.Webhook.Secret)

	req = httptest.NewRequest("GET", "/api/triggers/"+created.Data.ID, nil)
	req.Header.Set("Authorization", auth)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("DELETE", "/api/triggers/"+created.Data.ID, nil)
	req.Header.Set("Authorization", auth)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest("GET", "/api/triggers/"+created.Data.ID, nil)
	req.Header.Set("Authorization", auth)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
