package state

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// Open returns a store for the named backend ("memory" or "badger"). The
// badger backend lives under baseDir/state.
func Open(backend, baseDir string, logger *slog.Logger) (*Store, error) {
	switch backend {
	case "", "memory":
		return NewStore(NewMemory()), nil
	case "badger":
		b, err := OpenBadger(BadgerOptions{Dir: filepath.Join(baseDir, "state"), Logger: logger})
		if err != nil {
			return nil, err
		}
		return NewStore(b), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
