// Package ingest loads knowledge-base documents from a directory of .txt and
// .md files and keeps them in sync while the directory changes.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/hpungsan/counsel/internal/conversation"
)

// Extensions are the file types the loader reads.
var Extensions = []string{".md", ".txt"}

// DocumentWriter stores loaded documents. Upsert keeps a reload idempotent.
type DocumentWriter interface {
	UpsertDocument(ctx context.Context, d *conversation.Document) error
}

// DocumentSyncer is a DocumentWriter that can also retire documents whose
// files have gone away.
type DocumentSyncer interface {
	DocumentWriter
	ActiveDocuments(ctx context.Context) ([]conversation.Document, error)
	SetDocumentActive(ctx context.Context, id string, active bool) error
}

// IDPrefix marks documents that came from the knowledge directory.
const IDPrefix = "kb:"

// LoadDir reads every supported file under dir and upserts it. It returns
// how many documents were written.
func LoadDir(ctx context.Context, dir string, w DocumentWriter) (int, error) {
	seen, err := loadDir(ctx, dir, w)
	return len(seen), err
}

// SyncDir loads dir like LoadDir, then deactivates every active directory
// document whose file is no longer there (or is now empty). Documents added
// by other means are left alone. Nothing is retired if loading fails.
func SyncDir(ctx context.Context, dir string, w DocumentSyncer) (loaded, retired int, err error) {
	seen, err := loadDir(ctx, dir, w)
	if err != nil {
		return len(seen), 0, err
	}
	active, err := w.ActiveDocuments(ctx)
	if err != nil {
		return len(seen), 0, fmt.Errorf("list documents: %w", err)
	}
	for _, d := range active {
		if !strings.HasPrefix(d.ID, IDPrefix) {
			continue
		}
		if _, ok := seen[d.ID]; ok {
			continue
		}
		if err := w.SetDocumentActive(ctx, d.ID, false); err != nil {
			return len(seen), retired, fmt.Errorf("retire %s: %w", d.ID, err)
		}
		retired++
	}
	return len(seen), retired, nil
}

func loadDir(ctx context.Context, dir string, w DocumentWriter) (map[string]struct{}, error) {
	seen := map[string]struct{}{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !supported(path) {
			return nil
		}
		doc, err := ReadFile(dir, path)
		if err != nil {
			return err
		}
		if strings.TrimSpace(doc.Content) == "" {
			return nil
		}
		if err := w.UpsertDocument(ctx, doc); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		seen[doc.ID] = struct{}{}
		return nil
	})
	return seen, err
}

// ReadFile converts one file under root into a document. The ID is derived
// from the path relative to root so reloading the same file updates it.
func ReadFile(root, path string) (*conversation.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	content := strings.TrimSpace(string(raw))
	format := "text"
	if strings.EqualFold(filepath.Ext(path), ".md") {
		format = "markdown"
		heading, body := MarkdownText(raw)
		if heading != "" {
			title = heading
		}
		content = body
	}

	category := "general"
	if i := strings.IndexByte(rel, '/'); i > 0 {
		category = rel[:i]
	}

	return &conversation.Document{
		ID:           IDPrefix + rel,
		Title:        title,
		Content:      content,
		DocumentType: "legal",
		Category:     category,
		Metadata:     map[string]any{"source": rel, "format": format},
		Active:       true,
	}, nil
}

// MarkdownText renders markdown as plain text, one block per line, and
// returns the first heading separately.
func MarkdownText(src []byte) (heading, body string) {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var out bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.Heading:
			if entering && heading == "" && v.Level == 1 {
				heading = strings.TrimSpace(string(inlineText(v, src)))
				return ast.WalkSkipChildren, nil
			}
		case *ast.Text:
			if entering {
				out.Write(v.Segment.Value(src))
				if v.SoftLineBreak() || v.HardLineBreak() {
					out.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				out.Write(v.Value)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					out.Write(bytes.TrimRight(seg.Value(src), "\n"))
					out.WriteByte(' ')
				}
				return ast.WalkSkipChildren, nil
			}
		}
		if !entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
			out.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})

	lines := strings.Split(out.String(), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return heading, strings.Join(kept, "\n")
}

func inlineText(n ast.Node, src []byte) []byte {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(src))
			continue
		}
		buf.Write(inlineText(c, src))
	}
	return buf.Bytes()
}

func supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
