package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hpungsan/counsel/internal/conversation"
)

const (
	fileMagic   = "COUNSELIDX"
	fileVersion = 1
)

// ErrIncompatible reports an index file that cannot be used as is.
var ErrIncompatible = errors.New("index file incompatible")

type fileFormat struct {
	Magic   string   `msgpack:"magic"`
	Version int      `msgpack:"version"`
	Dim     int      `msgpack:"dim"`
	Model   string   `msgpack:"model"`
	Records []Record `msgpack:"records"`
}

// DocumentSource supplies the documents a rebuild indexes.
type DocumentSource interface {
	ActiveDocuments(ctx context.Context) ([]conversation.Document, error)
}

// Save writes the current snapshot to path atomically (temp file + rename).
func (x *Index) Save(path string) error {
	snap := x.current.Load()
	data, err := msgpack.Marshal(&fileFormat{
		Magic:   fileMagic,
		Version: fileVersion,
		Dim:     snap.dim,
		Model:   snap.model,
		Records: snap.records,
	})
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// Load replaces the current snapshot with the one stored at path. The file
// must match this index's embedder and pass validation; otherwise the
// current snapshot is kept and an error wrapping ErrIncompatible (or the I/O
// error) is returned.
func (x *Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f fileFormat
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrIncompatible, err)
	}
	if err := x.validate(&f); err != nil {
		return err
	}
	x.publish(&snapshot{dim: f.Dim, model: f.Model, records: f.Records})
	return nil
}

func (x *Index) validate(f *fileFormat) error {
	switch {
	case f.Magic != fileMagic:
		return fmt.Errorf("%w: bad magic %q", ErrIncompatible, f.Magic)
	case f.Version != fileVersion:
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatible, f.Version, fileVersion)
	case f.Dim != x.embedder.Dimension():
		return fmt.Errorf("%w: dimension %d, want %d", ErrIncompatible, f.Dim, x.embedder.Dimension())
	case f.Model != x.embedder.Model():
		return fmt.Errorf("%w: model %q, want %q", ErrIncompatible, f.Model, x.embedder.Model())
	}
	seen := make(map[string]struct{}, len(f.Records))
	for i, r := range f.Records {
		if len(r.Vector) != f.Dim {
			return fmt.Errorf("%w: record %d has %d dims", ErrIncompatible, i, len(r.Vector))
		}
		for _, v := range r.Vector {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("%w: record %d has non-finite values", ErrIncompatible, i)
			}
		}
		if _, dup := seen[r.Chunk.ID]; dup {
			return fmt.Errorf("%w: duplicate chunk id %q", ErrIncompatible, r.Chunk.ID)
		}
		seen[r.Chunk.ID] = struct{}{}
	}
	return nil
}

// Open loads the index at path. If the file is missing or fails validation
// the index is rebuilt from src and saved back to path.
func Open(ctx context.Context, x *Index, path string, src DocumentSource) error {
	err := x.Load(path)
	if err == nil {
		x.logger.Info("index loaded", "path", path, "chunks", x.Len())
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		x.logger.Info("index file missing, rebuilding", "path", path)
	} else {
		x.logger.Warn("index file unusable, rebuilding", "path", path, "error", err)
	}

	docs, err := src.ActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	if err := x.Rebuild(ctx, docs); err != nil {
		return err
	}
	return x.Save(path)
}
