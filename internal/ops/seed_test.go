package ops

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/counsel/internal/errors"
)

const testSeed = `
phases: [INTAKE_REVIEW]
templates:
  - phase: info_collection
    content: Gather the client's facts.
  - phase: intake_review
    content: Review the intake.
rules:
  - id: r-info
    from: INFO_COLLECTION
    to: INTAKE_REVIEW
    condition: sufficient_info
    params: {min_messages: 2, required_fields: [email]}
documents:
  - id: deposits
    title: Security deposits
    content: Deposits must be returned within 30 days.
`

func TestApplySeed_Content(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	out, err := ApplySeed(ctx, d, SeedInput{Content: testSeed})
	require.NoError(t, err)
	assert.True(t, out.Lint.Valid)
	assert.True(t, out.Applied)
	assert.Equal(t, 2, out.Counts.Templates)
	assert.Equal(t, 1, out.Counts.Rules)
	assert.Equal(t, 1, out.Counts.Documents)
	assert.Equal(t, 1, out.IndexChunks)

	rules, err := ListRules(ctx, d, ListRulesInput{FromPhase: "INFO_COLLECTION"})
	require.NoError(t, err)
	require.Equal(t, 1, rules.Count)
	assert.Equal(t, "INTAKE_REVIEW", rules.Rules[0].ToPhase)

	res, err := SearchDocuments(ctx, d, SearchInput{Query: "deposits returned"})
	require.NoError(t, err)
	require.NotZero(t, res.Count)
	assert.Equal(t, "deposits", res.Results[0].Chunk.SourceID)
}

func TestApplySeed_DryRun(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	out, err := ApplySeed(ctx, d, SeedInput{Content: testSeed, DryRun: true})
	require.NoError(t, err)
	assert.True(t, out.Lint.Valid)
	assert.False(t, out.Applied)
	assert.Nil(t, out.Counts)

	rules, err := ListRules(ctx, d, ListRulesInput{IncludeInactive: true})
	require.NoError(t, err)
	assert.Zero(t, rules.Count)
}

func TestApplySeed_LintFailureWritesNothing(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	out, err := ApplySeed(ctx, d, SeedInput{Content: `
rules:
  - from: INFO_COLLECTION
    to: NOWHERE
    condition: message_count
`})
	require.NoError(t, err)
	assert.False(t, out.Lint.Valid)
	assert.False(t, out.Applied)
	assert.NotEmpty(t, out.Lint.Problems)

	rules, err := ListRules(ctx, d, ListRulesInput{IncludeInactive: true})
	require.NoError(t, err)
	assert.Zero(t, rules.Count)
}

func TestApplySeed_FromFile(t *testing.T) {
	d := newDeps(t)
	dir := t.TempDir()
	d.Config.AllowedPaths = []string{dir}
	path := filepath.Join(dir, "base.yaml")
	writeFile(t, path, testSeed)

	out, err := ApplySeed(context.Background(), d, SeedInput{Path: path})
	require.NoError(t, err)
	assert.True(t, out.Applied)

	_, err = ApplySeed(context.Background(), d, SeedInput{Path: filepath.Join(t.TempDir(), "x.yaml")})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "outside allowed dirs: %v", err)
}

func TestApplySeed_InputErrors(t *testing.T) {
	d := newDeps(t)
	tests := []struct {
		name  string
		input SeedInput
	}{
		{"neither", SeedInput{}},
		{"both", SeedInput{Path: "/tmp/a.yaml", Content: "phases: []"}},
		{"unknown key", SeedInput{Content: "phasez: []"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ApplySeed(context.Background(), d, tc.input)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
}
