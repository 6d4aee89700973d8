package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/galadon/pushdeploy/internal/errors"
	"github.com/galadon/pushdeploy/internal/server/middleware"
	"github.com/galadon/pushdeploy/pkg/hooks"
)

// maxWebhookBodyBytes bounds the accepted payload size. GitHub push
// payloads are well under 1 MiB.
const maxWebhookBodyBytes = 1 << 20

// githubEventHeader names the event type on GitHub webhook deliveries.
const githubEventHeader = "X-GitHub-Event"

// WebhookResponse is the payload for accepted and ignored deliveries.
type WebhookResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WebhookConfig wires the GitHub webhook endpoint.
type WebhookConfig struct {
	// Secret is the shared HMAC secret. Required.
	Secret string

	// Branch is the only branch that triggers deploys.
	Branch string

	// Queue receives accepted triggers.
	Queue *hooks.Queue

	Logger *zap.Logger
}

// NewWebhookHandler returns the POST /hooks/github handler.
//
// Signature validation runs on the raw body before any parsing; an
// invalid signature is a 401 regardless of payload shape.
func NewWebhookHandler(cfg WebhookConfig) http.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetRequestID(r.Context())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
		if err != nil {
			writeHandlerError(w, apperrors.CodeInvalidPayload, "failed to read request body", requestID, http.StatusBadRequest)
			return
		}

		if err := hooks.ValidateSignature(body, r.Header.Get(hooks.SignatureHeader), cfg.Secret); err != nil {
			logger.Warn("webhook signature rejected",
				zap.String("request_id", requestID),
				zap.Error(err))
			writeHandlerError(w, apperrors.CodeInvalidSignature, "webhook signature validation failed", requestID, http.StatusUnauthorized)
			return
		}

		if event := r.Header.Get(githubEventHeader); event != "" && event != "push" {
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Reason: "event " + event + " not handled"})
			return
		}

		ev, err := hooks.ParsePushEvent(body)
		if err != nil {
			writeHandlerError(w, apperrors.CodeInvalidPayload, "malformed push payload", requestID, http.StatusBadRequest)
			return
		}

		if !ev.Triggers(cfg.Branch) {
			logger.Info("push ignored",
				zap.String("ref", ev.Ref),
				zap.Bool("deleted", ev.Deleted),
				zap.String("branch", cfg.Branch))
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Reason: "ref does not target deploy branch"})
			return
		}

		trig := hooks.Trigger{
			JobID:      uuid.New().String(),
			CommitSHA:  ev.After,
			Branch:     ev.Branch(),
			ReceivedAt: time.Now(),
		}
		if err := cfg.Queue.Enqueue(trig); err != nil {
			if errors.Is(err, hooks.ErrQueueFull) {
				writeHandlerError(w, apperrors.CodeServiceUnavailable, "deploy queue is full", requestID, http.StatusServiceUnavailable)
				return
			}
			writeHandlerError(w, apperrors.CodeServiceUnavailable, "deploy queue unavailable", requestID, http.StatusServiceUnavailable)
			return
		}

		logger.Info("deploy accepted",
			zap.String("job_id", trig.JobID),
			zap.String("commit_sha", trig.CommitSHA),
			zap.String("repository", ev.Repository.FullName),
			zap.String("pusher", ev.Pusher.Name))
		writeJSON(w, http.StatusAccepted, WebhookResponse{Status: "accepted", JobID: trig.JobID})
	}
}

func writeHandlerError(w http.ResponseWriter, code, message, requestID string, status int) {
	resp := apperrors.HTTPErrorResponse{}
	resp.Error.Code = code
	resp.Error.Message = message
	resp.Error.RequestID = requestID
	writeJSON(w, status, resp)
}
