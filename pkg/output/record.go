// Package output provides JSONL output for deploy pipeline events.
//
// Output is structured as typed record envelopes containing stage
// transitions, errors, preflight results, and the final summary. Each line
// is a self-contained JSON object that can be parsed independently, which
// keeps the stream greppable from CI logs and job log files alike.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: pushdeploy.<type>.v<version>
const (
	// TypeStage identifies pipeline stage transition records.
	TypeStage = "pushdeploy.stage.v1"

	// TypeError identifies error records.
	TypeError = "pushdeploy.error.v1"

	// TypePreflight identifies preflight capability check records.
	TypePreflight = "pushdeploy.preflight.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "pushdeploy.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "pushdeploy.stage.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for this deploy run.
	JobID string `json:"job_id"`

	// Service is the service unit being deployed.
	Service string `json:"service"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StageRecord is the data payload for pipeline stage transitions.
//
// One record is emitted when a stage starts and another when it ends, so
// a consumer can reconstruct the pipeline timeline from the stream.
type StageRecord struct {
	// Stage names the pipeline stage (checkout, environment, restart,
	// verify, archive, rollback).
	Stage string `json:"stage"`

	// Status is "started", "completed", or "failed".
	Status string `json:"status"`

	// CommitSHA is the deployed commit, once known.
	CommitSHA string `json:"commit_sha,omitempty"`

	// ReleaseID is the release produced by the checkout stage, once known.
	ReleaseID string `json:"release_id,omitempty"`

	// Detail carries stage-specific context (e.g. the verify URL).
	Detail string `json:"detail,omitempty"`

	// DurationMS is the stage duration, set on completion records.
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Stage status constants.
const (
	StageStarted   = "started"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Stage is the pipeline stage the error occurred in, if applicable.
	Stage string `json:"stage,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeCheckout indicates the source checkout failed.
	ErrCodeCheckout = "CHECKOUT_FAILED"

	// ErrCodeEnvironment indicates environment provisioning failed.
	ErrCodeEnvironment = "ENVIRONMENT_FAILED"

	// ErrCodeRestart indicates the supervisor restart command failed.
	ErrCodeRestart = "RESTART_FAILED"

	// ErrCodeVerify indicates the post-restart liveness check failed.
	ErrCodeVerify = "VERIFY_FAILED"

	// ErrCodeArchive indicates the release archive upload failed.
	// Archive failures are warnings; they do not fail a deployed run.
	ErrCodeArchive = "ARCHIVE_FAILED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// PreflightRecord is the data payload for preflight capability checks.
//
// Preflight records are emitted before the pipeline mutates anything on
// the host. They provide an explicit contract for what was checked.
type PreflightRecord struct {
	Mode    string                 `json:"mode"`
	Results []PreflightCheckResult `json:"results"`
}

// PreflightCheckResult is a single capability check result.
type PreflightCheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// SummaryRecord is the data payload for the final run summary.
type SummaryRecord struct {
	// FinalState is the terminal pipeline state.
	FinalState string `json:"final_state"`

	// CommitSHA is the commit that was deployed (or attempted).
	CommitSHA string `json:"commit_sha,omitempty"`

	// ReleaseID is the release that was activated (or attempted).
	ReleaseID string `json:"release_id,omitempty"`

	// RolledBackTo is the release restored after a failed verify.
	RolledBackTo string `json:"rolled_back_to,omitempty"`

	// ArchiveLocation is where the release archive was uploaded.
	ArchiveLocation string `json:"archive_location,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Error is the failure message for non-success terminal states.
	Error string `json:"error,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
