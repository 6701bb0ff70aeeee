package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestExportTranscript_HappyPath(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	dir := t.TempDir()
	d.Config.AllowedPaths = []string{dir}

	c := newConversation(t, d)
	_, err := ProcessTurn(ctx, d, ProcessTurnInput{ConversationID: c.ID, Message: "my deposit", StoreUserMessage: true})
	require.NoError(t, err)

	path := filepath.Join(dir, "transcript.jsonl")
	out, err := ExportTranscript(ctx, d, ExportInput{ConversationID: c.ID, Path: path})
	require.NoError(t, err)
	assert.Equal(t, path, out.Path)
	assert.Equal(t, 2, out.Messages)
	assert.NotZero(t, out.ExportedAt)

	lines := readLines(t, path)
	require.Len(t, lines, 3)

	var header TranscriptHeader
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &header))
	assert.True(t, header.CounselTranscript)
	assert.Equal(t, "1.0", header.SchemaVersion)
	require.NotNil(t, header.Conversation)
	assert.Equal(t, c.ID, header.Conversation.ID)

	var first, second conversation.Message
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &second))
	assert.Equal(t, conversation.RoleUser, first.Role)
	assert.Equal(t, "my deposit", first.Content)
	assert.Equal(t, conversation.RoleAssistant, second.Role)

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestExportTranscript_DefaultPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	d := newDeps(t)
	c := newConversation(t, d)

	out, err := ExportTranscript(context.Background(), d, ExportInput{ConversationID: c.ID})
	require.NoError(t, err)

	exports, err := DefaultExportsDir()
	require.NoError(t, err)
	assert.Equal(t, exports, filepath.Dir(out.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(out.Path), c.ID+"-"))
	assert.Equal(t, ".jsonl", filepath.Ext(out.Path))
	assert.Len(t, readLines(t, out.Path), 1)
}

func TestExportTranscript_Rejected(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	c := newConversation(t, d)
	dir := t.TempDir()
	d.Config.AllowedPaths = []string{dir}

	tests := []struct {
		name  string
		input ExportInput
		code  errors.ErrorCode
	}{
		{"missing id", ExportInput{Path: filepath.Join(dir, "a.jsonl")}, errors.ErrInvalidRequest},
		{"unknown conversation", ExportInput{ConversationID: "nope", Path: filepath.Join(dir, "a.jsonl")}, errors.ErrNotFound},
		{"traversal", ExportInput{ConversationID: c.ID, Path: dir + "/../a.jsonl"}, errors.ErrInvalidRequest},
		{"wrong extension", ExportInput{ConversationID: c.ID, Path: filepath.Join(dir, "a.json")}, errors.ErrInvalidRequest},
		{"outside allowed", ExportInput{ConversationID: c.ID, Path: filepath.Join(t.TempDir(), "a.jsonl")}, errors.ErrInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExportTranscript(ctx, d, tc.input)
			assert.True(t, errors.Is(err, tc.code), "got %v, want %s", err, tc.code)
		})
	}
}

func TestExportTranscript_OverwritesExisting(t *testing.T) {
	d := newDeps(t)
	dir := t.TempDir()
	d.Config.AllowedPaths = []string{dir}
	c := newConversation(t, d)

	path := filepath.Join(dir, "t.jsonl")
	writeFile(t, path, "stale\nstale\nstale\nstale\n")

	_, err := ExportTranscript(context.Background(), d, ExportInput{ConversationID: c.ID, Path: path})
	require.NoError(t, err)
	assert.Len(t, readLines(t, path), 1)
}
