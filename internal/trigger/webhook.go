package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
)

// maxWebhookBody bounds how much of an inbound request body is read.
const maxWebhookBody = 1 << 20

// HandleWebhook serves one inbound request on the
// /hooks/{workflow_id}/{trigger_id} ingress path. Exactly one webhook
// log row is written per request, whatever the outcome.
func (s *Supervisor) HandleWebhook(w http.ResponseWriter, r *http.Request, workflowID, triggerID string) {
	started := time.Now()
	log := &WebhookLog{
		ID:         uuid.New().String(),
		TriggerID:  triggerID,
		WorkflowID: workflowID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    flattenHeader(r.Header),
		Query:      flattenQuery(r.URL.Query()),
		SourceIP:   sourceIP(r),
		CreatedAt:  started,
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.respondWebhookError(w, r.Context(), log, started, http.StatusBadRequest, "failed to read request body")
		return
	}
	log.Body = string(body)

	t, err := s.triggers.FindForWebhook(r.Context(), workflowID, triggerID)
	if err != nil {
		s.respondWebhookError(w, r.Context(), log, started, http.StatusNotFound, "webhook trigger not found")
		return
	}
	if !t.Enabled {
		s.respondWebhookError(w, r.Context(), log, started, http.StatusNotFound, "webhook trigger disabled")
		return
	}
	cfg := t.Webhook

	if !cfg.MethodAllowed(r.Method) {
		s.respondWebhookError(w, r.Context(), log, started, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !cfg.SignatureDisabled {
		sig := r.Header.Get(cfg.SignatureHeaderName())
		if !verifySignature(cfg, body, sig) {
			s.respondWebhookError(w, r.Context(), log, started, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	inputs := map[string]interface{}{
		"method":  r.Method,
		"headers": log.Headers,
		"body":    parseBody(body, r.Header.Get("Content-Type")),
		"query":   log.Query,
	}

	exec, queued, err := s.Fire(r.Context(), t, execmodel.TriggerTypeWebhook, inputs, true)
	if err == ErrBusy {
		s.respondWebhookError(w, r.Context(), log, started, http.StatusServiceUnavailable, "execution capacity exceeded")
		return
	}
	if err != nil {
		s.respondWebhookError(w, r.Context(), log, started, http.StatusInternalServerError, fmt.Sprintf("failed to start execution: %v", err))
		return
	}
	_ = queued // webhooks never queue; failFast returns ErrBusy instead

	log.ExecutionID = exec.ID().String()
	log.ResponseStatus = http.StatusOK

	var respBody string
	switch cfg.Format() {
	case ResponseText:
		respBody = "ok"
		w.Header().Set("Content-Type", "text/plain")
	default:
		data, _ := json.Marshal(map[string]interface{}{"success": true, "executionId": exec.ID().String()})
		respBody = string(data)
		w.Header().Set("Content-Type", "application/json")
	}
	log.ResponseBody = respBody
	log.DurationMs = time.Since(started).Milliseconds()
	s.appendWebhookLog(r.Context(), log)
	if s.recorder != nil {
		s.recorder.RecordWebhookRequest(http.StatusOK)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, respBody)
}

func (s *Supervisor) respondWebhookError(w http.ResponseWriter, ctx context.Context, log *WebhookLog, started time.Time, status int, message string) {
	log.ResponseStatus = status
	log.Error = message
	data, _ := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   map[string]string{"code": codeForStatus(status), "message": message},
	})
	log.ResponseBody = string(data)
	log.DurationMs = time.Since(started).Milliseconds()
	s.appendWebhookLog(ctx, log)
	if s.recorder != nil {
		s.recorder.RecordWebhookRequest(status)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// appendWebhookLog writes the request record before the response hits
// the wire; a failed append is logged, never surfaced to the caller.
func (s *Supervisor) appendWebhookLog(ctx context.Context, log *WebhookLog) {
	if s.webhookLogs == nil {
		return
	}
	if err := s.webhookLogs.Append(ctx, log); err != nil {
		s.logger.Error("failed to append webhook log", zap.String("triggerId", log.TriggerID), zap.Error(err))
	}
}

// verifySignature checks "<alg>=<hex digest>" against the trigger's
// secret with a constant-time compare. A bare hex digest (no alg
// prefix) is accepted against the configured algorithm.
func verifySignature(cfg *WebhookConfig, body []byte, header string) bool {
	if header == "" {
		return false
	}
	alg := cfg.Algorithm()
	digest := header
	if i := strings.IndexByte(header, '='); i >= 0 {
		if header[:i] != alg {
			return false
		}
		digest = header[i+1:]
	}

	var mac hash.Hash
	switch alg {
	case "sha1":
		mac = hmac.New(sha1.New, []byte(cfg.Secret))
	case "sha512":
		mac = hmac.New(sha512.New, []byte(cfg.Secret))
	default:
		mac = hmac.New(sha256.New, []byte(cfg.Secret))
	}
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(digest))
}

// parseBody returns the decoded JSON body when the content type says
// JSON and it parses, the raw string otherwise.
func parseBody(body []byte, contentType string) interface{} {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v interface{}
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func flattenQuery(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for k, vs := range q {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "auth"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed, http.StatusBadRequest:
		return "validation"
	case http.StatusServiceUnavailable:
		return "rate_limited"
	default:
		return "server"
	}
}
