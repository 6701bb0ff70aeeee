package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/logging"
)

type memWriter struct {
	mu   sync.Mutex
	docs map[string]conversation.Document
}

func newMemWriter() *memWriter { return &memWriter{docs: map[string]conversation.Document{}} }

func (m *memWriter) UpsertDocument(_ context.Context, d *conversation.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = *d
	return nil
}

func (m *memWriter) ActiveDocuments(_ context.Context) ([]conversation.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []conversation.Document
	for _, d := range m.docs {
		if d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memWriter) SetDocumentActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	d.Active = active
	m.docs[id] = d
	return nil
}

func (m *memWriter) get(id string) (conversation.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	return d, ok
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
}

const depositMarkdown = `# Security Deposits

Landlords must **return** the deposit.

## Deductions

- Receipts are required.
- Damage only.
`

func TestMarkdownText(t *testing.T) {
	heading, body := MarkdownText([]byte(depositMarkdown))
	assert.Equal(t, "Security Deposits", heading)
	assert.Equal(t, "Landlords must return the deposit.\nDeductions\nReceipts are required.\nDamage only.", body)
}

func TestMarkdownText_SoftBreaksAndCode(t *testing.T) {
	_, body := MarkdownText([]byte("First line\nsame paragraph.\n\n```\nstatute 12.3\n```\n"))
	assert.Equal(t, "First line same paragraph.\nstatute 12.3", body)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "housing", "deposits.md"), depositMarkdown)
	writeFile(t, filepath.Join(dir, "overtime.txt"), "  Overtime is paid at 1.5x.  ")
	writeFile(t, filepath.Join(dir, "empty.txt"), "   ")
	writeFile(t, filepath.Join(dir, "notes.pdf"), "binary")
	writeFile(t, filepath.Join(dir, ".git", "HEAD.txt"), "ignored")

	w := newMemWriter()
	n, err := LoadDir(context.Background(), dir, w)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	md, ok := w.get("kb:housing/deposits.md")
	require.True(t, ok)
	assert.Equal(t, "Security Deposits", md.Title)
	assert.Equal(t, "housing", md.Category)
	assert.Equal(t, "legal", md.DocumentType)
	assert.Equal(t, "markdown", md.Metadata["format"])

	txt, ok := w.get("kb:overtime.txt")
	require.True(t, ok)
	assert.Equal(t, "overtime", txt.Title)
	assert.Equal(t, "general", txt.Category)
	assert.Equal(t, "Overtime is paid at 1.5x.", txt.Content)
}

func TestSyncDir_RetiresMissingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "custody.txt"), "Courts decide custody.")
	writeFile(t, filepath.Join(dir, "leases.txt"), "Leases run a year.")

	w := newMemWriter()
	w.docs["manual"] = conversation.Document{ID: "manual", Content: "added by hand", Active: true}

	n, retired, err := SyncDir(context.Background(), dir, w)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, retired)

	require.NoError(t, os.Remove(filepath.Join(dir, "leases.txt")))
	writeFile(t, filepath.Join(dir, "custody.txt"), "   ")

	n, retired, err = SyncDir(context.Background(), dir, w)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, retired)

	leases, _ := w.get("kb:leases.txt")
	assert.False(t, leases.Active)
	custody, _ := w.get("kb:custody.txt")
	assert.False(t, custody.Active)
	manual, _ := w.get("manual")
	assert.True(t, manual.Active, "documents outside the directory stay active")

	writeFile(t, filepath.Join(dir, "leases.txt"), "Leases run two years.")
	_, _, err = SyncDir(context.Background(), dir, w)
	require.NoError(t, err)
	leases, _ = w.get("kb:leases.txt")
	assert.True(t, leases.Active, "a file that comes back is reactivated")
}

func TestSyncDir_MissingDirRetiresNothing(t *testing.T) {
	w := newMemWriter()
	w.docs["kb:old.txt"] = conversation.Document{ID: "kb:old.txt", Content: "old", Active: true}

	_, retired, err := SyncDir(context.Background(), filepath.Join(t.TempDir(), "nope"), w)
	assert.Error(t, err)
	assert.Zero(t, retired)
	old, _ := w.get("kb:old.txt")
	assert.True(t, old.Active)
}

func TestLoadDir_MissingDir(t *testing.T) {
	_, err := LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"), newMemWriter())
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	w := newMemWriter()
	var changes atomic.Int32

	watcher := &Watcher{
		Dir:      dir,
		Writer:   w,
		Debounce: 20 * time.Millisecond,
		Logger:   logging.Discard(),
		OnChange: func(context.Context) error {
			changes.Add(1)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "custody.txt"), "Courts decide custody.")

	require.Eventually(t, func() bool {
		_, ok := w.get("kb:custody.txt")
		return ok && changes.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_RemovedFileDeactivated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wills.md")
	writeFile(t, path, "# Wills\n\nTwo witnesses are required.")

	w := newMemWriter()
	_, _, err := SyncDir(context.Background(), dir, w)
	require.NoError(t, err)

	var changes atomic.Int32
	watcher := &Watcher{
		Dir:      dir,
		Writer:   w,
		Debounce: 20 * time.Millisecond,
		Logger:   logging.Discard(),
		OnChange: func(context.Context) error {
			changes.Add(1)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		d, ok := w.get("kb:wills.md")
		return ok && !d.Active && changes.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)
}
