// Package gitsource performs repository checkouts via the host git binary.
package gitsource

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/galadon/pushdeploy/pkg/hostrun"
)

// Checkout is the result of a completed checkout.
type Checkout struct {
	// Dir is the directory containing the working tree.
	Dir string

	// CommitSHA is the full SHA of the checked-out HEAD.
	CommitSHA string

	// Branch is the branch that was checked out.
	Branch string
}

// Source clones a repository branch into a fresh directory.
//
// Every deploy produces a fresh clone. Shallow clones (depth 1) are the
// default since deploys only need the tip of the branch.
type Source struct {
	// URL is the clone URL.
	URL string

	// Branch is the branch to check out.
	Branch string

	// Depth is the clone depth. Zero means depth 1; -1 means a full clone.
	Depth int

	// GitBin is the git binary. Empty means "git".
	GitBin string

	runner hostrun.Runner
}

// New creates a Source backed by the given runner.
func New(url, branch string, depth int, runner hostrun.Runner) *Source {
	return &Source{
		URL:    url,
		Branch: branch,
		Depth:  depth,
		GitBin: "git",
		runner: runner,
	}
}

// Clone checks out the configured branch into dest.
//
// dest must not exist or be empty; git enforces this. The returned
// Checkout carries the resolved HEAD commit.
func (s *Source) Clone(ctx context.Context, dest string) (*Checkout, error) {
	if strings.TrimSpace(dest) == "" {
		return nil, fmt.Errorf("gitsource: destination directory is required")
	}

	args := []string{"clone", "--branch", s.Branch, "--single-branch"}
	if s.Depth >= 0 {
		depth := s.Depth
		if depth == 0 {
			depth = 1
		}
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	args = append(args, s.URL, dest)

	if _, err := s.runner.Run(ctx, hostrun.Spec{Name: s.git(), Args: args}); err != nil {
		return nil, fmt.Errorf("gitsource: clone %s: %w", s.URL, err)
	}

	sha, err := s.Head(ctx, dest)
	if err != nil {
		return nil, err
	}

	return &Checkout{Dir: dest, CommitSHA: sha, Branch: s.Branch}, nil
}

// Head resolves the HEAD commit of a working tree.
func (s *Source) Head(ctx context.Context, dir string) (string, error) {
	res, err := s.runner.Run(ctx, hostrun.Spec{
		Name: s.git(),
		Args: []string{"rev-parse", "HEAD"},
		Dir:  dir,
	})
	if err != nil {
		return "", fmt.Errorf("gitsource: rev-parse HEAD: %w", err)
	}

	sha := strings.TrimSpace(res.Stdout)
	if len(sha) != 40 {
		return "", fmt.Errorf("gitsource: unexpected rev-parse output %q", sha)
	}
	return sha, nil
}

func (s *Source) git() string {
	if s.GitBin != "" {
		return s.GitBin
	}
	return "git"
}

// ShortSHA returns the 7-character abbreviation of a full commit SHA.
func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
