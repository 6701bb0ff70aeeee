package ops

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/seed"
)

// MaxSeedBytes bounds a seed file read from disk or passed inline.
const MaxSeedBytes = 4 << 20

// SeedInput contains parameters for ApplySeed. Exactly one of Path and
// Content is set.
type SeedInput struct {
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// SeedOutput reports lint results and, unless dry-run, what was written.
type SeedOutput struct {
	Lint        *seed.LintResult `json:"lint"`
	Applied     bool             `json:"applied"`
	Counts      *seed.Counts     `json:"counts,omitempty"`
	IndexChunks int              `json:"index_chunks,omitempty"`
}

// ApplySeed lints a seed file and writes its templates, rules and
// documents. A dry run or a failed lint writes nothing. The index is rebuilt
// when documents were written and retrieval is configured.
func ApplySeed(ctx context.Context, d *Deps, input SeedInput) (*SeedOutput, error) {
	data, err := readSeed(input, d)
	if err != nil {
		return nil, err
	}
	f, err := seed.Parse(data)
	if err != nil {
		return nil, err
	}

	out := &SeedOutput{Lint: seed.Lint(f)}
	if input.DryRun || !out.Lint.Valid {
		return out, nil
	}

	counts, err := seed.Apply(ctx, d.Store, f)
	if err != nil {
		return nil, err
	}
	out.Applied = true
	out.Counts = counts

	if counts.Documents > 0 && d.RAG != nil {
		if err := d.RAG.Refresh(ctx); err != nil {
			return nil, err
		}
		out.IndexChunks, _ = d.RAG.Stats()
	}
	return out, nil
}

func readSeed(input SeedInput, d *Deps) ([]byte, error) {
	hasPath := strings.TrimSpace(input.Path) != ""
	hasContent := strings.TrimSpace(input.Content) != ""
	switch {
	case hasPath && hasContent:
		return nil, errors.NewInvalidRequest("set either path or content, not both")
	case hasContent:
		if len(input.Content) > MaxSeedBytes {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("seed content exceeds %d bytes", MaxSeedBytes))
		}
		return []byte(input.Content), nil
	case !hasPath:
		return nil, errors.NewInvalidRequest("path or content is required")
	}

	if err := ValidatePath(input.Path, PathCheckRead, d.Config); err != nil {
		return nil, err
	}
	file, err := openFileNoFollowRead(input.Path)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("open seed file: %w", err))
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxSeedBytes+1))
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("read seed file: %w", err))
	}
	if len(data) > MaxSeedBytes {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("seed file exceeds %d bytes", MaxSeedBytes))
	}
	return data, nil
}
