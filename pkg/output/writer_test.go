package output

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var records []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func TestJSONLWriter_Records(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "sample-app")
	ctx := context.Background()

	require.NoError(t, w.WriteStage(ctx, &StageRecord{Stage: "checkout", Status: StageStarted}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodeVerify, Message: "liveness probe exhausted", Stage: "verify"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{FinalState: "Failed", Error: "verify failed"}))
	require.NoError(t, w.Close())

	records := decodeLines(t, &buf)
	require.Len(t, records, 3)

	assert.Equal(t, TypeStage, records[0].Type)
	assert.Equal(t, "job-1", records[0].JobID)
	assert.Equal(t, "sample-app", records[0].Service)
	assert.False(t, records[0].TS.IsZero())

	var stage StageRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &stage))
	assert.Equal(t, "checkout", stage.Stage)
	assert.Equal(t, StageStarted, stage.Status)

	assert.Equal(t, TypeError, records[1].Type)
	var errRec ErrorRecord
	require.NoError(t, json.Unmarshal(records[1].Data, &errRec))
	assert.Equal(t, ErrCodeVerify, errRec.Code)

	assert.Equal(t, TypeSummary, records[2].Type)
}

func TestJSONLWriter_WriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "sample-app")
	require.NoError(t, w.Close())

	err := w.WriteStage(context.Background(), &StageRecord{Stage: "checkout", Status: StageStarted})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "sample-app")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteStage(ctx, &StageRecord{Stage: "checkout", Status: StageStarted})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "sample-app")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteStage(ctx, &StageRecord{Stage: "verify", Status: StageCompleted})
		}()
	}
	wg.Wait()

	// Every line must parse; interleaved writes would corrupt the stream.
	records := decodeLines(t, &buf)
	assert.Len(t, records, 20)
}

func TestWriteError_Unwrap(t *testing.T) {
	inner := assert.AnError
	err := &WriteError{Op: "write", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "write")
}
