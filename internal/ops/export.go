package ops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
)

// ExportInput contains parameters for ExportTranscript.
type ExportInput struct {
	ConversationID string `json:"conversation_id"`
	Path           string `json:"path,omitempty"` // default: ~/.counsel/exports/<id>-<timestamp>.jsonl
}

// ExportOutput contains the result of ExportTranscript.
type ExportOutput struct {
	Path       string `json:"path"`
	Messages   int    `json:"messages"`
	ExportedAt int64  `json:"exported_at"`
}

// TranscriptHeader is the first line of a transcript export.
type TranscriptHeader struct {
	CounselTranscript bool                       `json:"_counsel_transcript"`
	SchemaVersion     string                     `json:"schema_version"`
	ExportedAt        int64                      `json:"exported_at"`
	Conversation      *conversation.Conversation `json:"conversation"`
}

// ExportTranscript writes a conversation and its messages, oldest first, as
// JSONL. The file is written to a temp name and renamed into place so an
// existing export survives a failed run.
func ExportTranscript(ctx context.Context, d *Deps, input ExportInput) (*ExportOutput, error) {
	id, err := requireID("conversation_id", input.ConversationID)
	if err != nil {
		return nil, err
	}
	conv, err := d.Store.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := d.Store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	exportPath := input.Path
	if exportPath == "" {
		if exportPath, err = defaultExportPath(id, now); err != nil {
			return nil, err
		}
	}
	// Default paths are validated too; the ID is part of the file name.
	if err := ValidatePath(exportPath, PathCheckWrite, d.Config); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	writeLine := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return errors.NewInternal(err)
		}
		if _, err := file.Write(append(b, '\n')); err != nil {
			return errors.NewInternal(err)
		}
		return nil
	}

	header := TranscriptHeader{
		CounselTranscript: true,
		SchemaVersion:     "1.0",
		ExportedAt:        now.Unix(),
		Conversation:      conv,
	}
	if err := writeLine(header); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewTimeout("transcript export", err)
		}
		if err := writeLine(m); err != nil {
			return nil, err
		}
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlinked destination.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInternal(fmt.Errorf("export path is a symlink"))
	}
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	return &ExportOutput{Path: exportPath, Messages: len(msgs), ExportedAt: now.Unix()}, nil
}

// defaultExportPath returns ~/.counsel/exports/<id>-<timestamp>.jsonl.
func defaultExportPath(conversationID string, now time.Time) (string, error) {
	dir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.jsonl", SanitizeForFilename(conversationID), now.Format("2006-01-02T150405"))
	return filepath.Join(dir, name), nil
}
