package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-08-25",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	inner := fmt.Errorf("boom")
	err := exitError(foundry.ExitInvalidArgument, "Invalid input", inner)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid input")
	assert.Contains(t, err.Error(), "boom")

	var coded *codedError
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, foundry.ExitInvalidArgument, coded.code)
	assert.True(t, errors.Is(err, inner))
}

func TestExitError_NoInner(t *testing.T) {
	err := exitError(foundry.ExitInvalidArgument, "Invalid input", nil)
	assert.Equal(t, "Invalid input", err.Error())
}
