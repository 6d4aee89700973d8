package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadon/pushdeploy/pkg/hooks"
)

const webhookSecret = "test-secret"

func pushPayload(t *testing.T, ref, after string, deleted bool) []byte {
	t.Helper()
	payload := map[string]any{
		"ref":     ref,
		"after":   after,
		"deleted": deleted,
		"repository": map[string]any{
			"full_name": "galadon/sample-app",
			"clone_url": "https://github.com/galadon/sample-app.git",
		},
		"pusher": map[string]any{"name": "dev"},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func newWebhookTestHandler(t *testing.T, queueCapacity int) (http.HandlerFunc, *hooks.Queue) {
	t.Helper()
	queue := hooks.NewQueue(queueCapacity, func(ctx context.Context, trig hooks.Trigger) error {
		return nil
	}, nil)
	handler := NewWebhookHandler(WebhookConfig{
		Secret: webhookSecret,
		Branch: "main",
		Queue:  queue,
	})
	return handler, queue
}

func deliver(handler http.HandlerFunc, body []byte, sign bool, event string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(body))
	if sign {
		req.Header.Set(hooks.SignatureHeader, hooks.Sign(body, webhookSecret))
	}
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AcceptsPushToDeployBranch(t *testing.T) {
	handler, queue := newWebhookTestHandler(t, 4)

	body := pushPayload(t, "refs/heads/main", "0123456789abcdef0123456789abcdef01234567", false)
	rec := deliver(handler, body, true, "push")

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, 1, queue.Depth())
}

func TestWebhook_RejectsMissingSignature(t *testing.T) {
	handler, queue := newWebhookTestHandler(t, 4)

	body := pushPayload(t, "refs/heads/main", "abc", false)
	rec := deliver(handler, body, false, "push")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_SIGNATURE")
	assert.Equal(t, 0, queue.Depth())
}

func TestWebhook_RejectsTamperedBody(t *testing.T) {
	handler, queue := newWebhookTestHandler(t, 4)

	body := pushPayload(t, "refs/heads/main", "abc", false)
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(append(body, ' ')))
	req.Header.Set(hooks.SignatureHeader, hooks.Sign(body, webhookSecret))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, queue.Depth())
}

func TestWebhook_IgnoresOtherBranch(t *testing.T) {
	handler, queue := newWebhookTestHandler(t, 4)

	body := pushPayload(t, "refs/heads/feature/ui", "abc", false)
	rec := deliver(handler, body, true, "push")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp.Status)
	assert.Equal(t, 0, queue.Depth())
}

func TestWebhook_IgnoresBranchDeletion(t *testing.T) {
	handler, queue := newWebhookTestHandler(t, 4)

	body := pushPayload(t, "refs/heads/main", "0000000000000000000000000000000000000000", true)
	rec := deliver(handler, body, true, "push")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, queue.Depth())
}

func TestWebhook_IgnoresNonPushEvent(t *testing.T) {
	handler, queue := newWebhookTestHandler(t, 4)

	body := []byte(`{"zen":"Keep it logically awesome."}`)
	rec := deliver(handler, body, true, "ping")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp.Status)
	assert.Contains(t, resp.Reason, "ping")
	assert.Equal(t, 0, queue.Depth())
}

func TestWebhook_MalformedPayload(t *testing.T) {
	handler, queue := newWebhookTestHandler(t, 4)

	body := []byte(`{"not":"a push event"}`)
	rec := deliver(handler, body, true, "push")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_PAYLOAD")
	assert.Equal(t, 0, queue.Depth())
}

func TestWebhook_QueueFull(t *testing.T) {
	handler, _ := newWebhookTestHandler(t, 1)

	body := pushPayload(t, "refs/heads/main", "abc", false)
	rec := deliver(handler, body, true, "push")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = deliver(handler, body, true, "push")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "SERVICE_UNAVAILABLE")
}
