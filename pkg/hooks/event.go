// Package hooks receives GitHub push webhooks and turns them into deploy
// triggers.
//
// Only pushes to the configured branch trigger a deploy; pushes to other
// branches, branch deletions, and non-push events are acknowledged and
// ignored. Accepted triggers go through a single-worker queue so deploys
// against the host never overlap.
package hooks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PushEvent is the subset of the GitHub push payload this agent reads.
type PushEvent struct {
	// Ref is the full ref that was pushed, e.g. "refs/heads/main".
	Ref string `json:"ref"`

	// After is the commit SHA the ref points at after the push. All
	// zeros for a branch deletion.
	After string `json:"after"`

	// Deleted is true when the push deleted the ref.
	Deleted bool `json:"deleted"`

	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`

	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`

	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// ParsePushEvent parses a push payload.
func ParsePushEvent(body []byte) (*PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("hooks: parse push event: %w", err)
	}
	if ev.Ref == "" {
		return nil, fmt.Errorf("hooks: push event has no ref")
	}
	return &ev, nil
}

// Branch returns the branch name, or "" if the ref is not a branch.
func (e *PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Triggers reports whether this event should start a deploy of branch.
func (e *PushEvent) Triggers(branch string) bool {
	if e.Deleted {
		return false
	}
	if !strings.HasPrefix(e.Ref, "refs/heads/") {
		return false
	}
	return e.Branch() == branch
}
