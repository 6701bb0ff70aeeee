package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/counsel/internal/config"
	"github.com/hpungsan/counsel/internal/errors"
)

// PathCheckMode indicates whether the path check is for reading or writing.
type PathCheckMode int

const (
	PathCheckRead  PathCheckMode = iota // seed files (.yaml, .yml) under ~/.counsel/seeds
	PathCheckWrite                      // transcript exports (.jsonl) under ~/.counsel/exports
)

func (m PathCheckMode) extensions() []string {
	if m == PathCheckRead {
		return []string{".yaml", ".yml"}
	}
	return []string{".jsonl"}
}

func (m PathCheckMode) defaultSubdir() string {
	if m == PathCheckRead {
		return "seeds"
	}
	return "exports"
}

// ValidatePath checks a seed or export path before it is opened:
//  1. no ".." components
//  2. an extension allowed for the mode
//  3. the file sits directly in the mode's default directory or in one of
//     allowed_paths (no subdirectories)
//  4. neither the parent directory nor the file is a symlink
//
// The "directly in" rule is what makes the check race-free. If nested paths
// were allowed, an attacker who can write inside an allowed directory could
// replace an intermediate directory with a symlink after validation and
// before the open (TOCTOU), steering the export or seed read anywhere on
// disk. With the parent pinned to an allowed directory, the only component
// left is the file itself, and openFileNoFollow opens that with O_NOFOLLOW.
//
// AllowUnsafePaths lifts the directory restriction but never the symlink
// checks: the open would refuse a symlink anyway, and failing here gives a
// clearer error.
func ValidatePath(path string, mode PathCheckMode, cfg *config.Config) error {
	if path == "" {
		return errors.NewInvalidRequest("path is required")
	}
	// ".." is refused outright rather than cleaned away, so a request never
	// silently lands somewhere other than what it named.
	if containsTraversal(path) {
		return errors.NewInvalidRequest("path must not contain directory traversal (..)")
	}

	cleaned := filepath.Clean(path)
	exts := mode.extensions()
	if !hasExtension(cleaned, exts) {
		return errors.NewInvalidRequest(fmt.Sprintf("path must have extension %s", strings.Join(exts, " or ")))
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}

	// Unsafe mode skips directory checks only; symlinks are still refused.
	if cfg != nil && cfg.AllowUnsafePaths {
		// Reads still need the file to exist, otherwise the failure would
		// surface later as an opaque open error.
		if mode == PathCheckRead {
			if _, err := os.Stat(absPath); os.IsNotExist(err) {
				return errors.NewNotFound("file", path)
			}
		}
		return rejectSymlink(absPath, "path must not be a symlink")
	}

	allowedDirs, err := getAllowedDirs(mode, cfg)
	if err != nil {
		return err
	}

	// No subdirectories: this is the TOCTOU guard described above.
	parentDir := filepath.Dir(absPath)
	if !isDirectlyInAllowedDir(parentDir, allowedDirs) {
		return errors.NewInvalidRequest(
			fmt.Sprintf("file must be directly in an allowed directory (no subdirectories); allowed: %v",
				allowedDirs))
	}
	// The allowed directories were resolved, but the parent as written may
	// still be a symlink that happens to resolve into one of them.
	if err := rejectSymlink(parentDir, "parent directory must not be a symlink"); err != nil {
		return err
	}

	if mode == PathCheckRead {
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			return errors.NewNotFound("file", path)
		}
	}
	// O_NOFOLLOW would catch this at open time; rejecting here names the
	// problem instead of reporting ELOOP.
	return rejectSymlink(absPath, "path must not be a symlink")
}

// hasExtension compares case-insensitively, so "Intake.YAML" is a seed file.
func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// rejectSymlink fails with msg when path exists and is a symlink. A missing
// path is not an error here; write mode creates the file.
func rejectSymlink(path, msg string) error {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest(msg)
	}
	return nil
}

// getAllowedDirs returns the mode's default directory plus every absolute
// allowed_paths entry. Relative entries are ignored because their meaning
// would depend on the working directory of whichever surface is running.
//
// An allowed directory that is itself a symlink is resolved, so a file
// inside the real target still matches. This is the one place symlinks are
// followed, and only for directories the operator configured.
func getAllowedDirs(mode PathCheckMode, cfg *config.Config) ([]string, error) {
	defaultDir, err := counselDir(mode.defaultSubdir())
	if err != nil {
		return nil, err
	}
	dirs := []string{defaultDir}
	if cfg != nil {
		for _, p := range cfg.AllowedPaths {
			if filepath.IsAbs(p) {
				dirs = append(dirs, filepath.Clean(p))
			}
		}
	}

	result := make([]string, 0, len(dirs))
	for _, d := range dirs {
		abs, err := filepath.Abs(filepath.Clean(d))
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid allowed path: %v", err))
		}
		if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(abs)
			if err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve symlink in allowed path: %v", err))
			}
			abs = resolved
		}
		result = append(result, abs)
	}
	return result, nil
}

// isDirectlyInAllowedDir reports whether parentDir is exactly one of the
// allowed directories. Being somewhere under one is not enough.
func isDirectlyInAllowedDir(parentDir string, allowedDirs []string) bool {
	parentDir = filepath.Clean(parentDir)
	for _, dir := range allowedDirs {
		if parentDir == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

func counselDir(sub string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewInternal(fmt.Errorf("failed to get home directory: %w", err))
	}
	return filepath.Join(homeDir, ".counsel", sub), nil
}

// DefaultExportsDir returns ~/.counsel/exports.
func DefaultExportsDir() (string, error) { return counselDir("exports") }

// DefaultSeedsDir returns ~/.counsel/seeds.
func DefaultSeedsDir() (string, error) { return counselDir("seeds") }

// containsTraversal reports whether any path component is "..". Forward
// slashes are checked on every platform since paths arrive from clients.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	if filepath.Separator != '/' {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}

// SanitizeForFilename makes s safe to embed in a file name. Export names are
// built from conversation IDs supplied by callers, so separators, ".." and
// control characters are all stripped before the name reaches the filesystem.
func SanitizeForFilename(s string) string {
	// Separators and embedded ".." could otherwise climb out of the exports dir.
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.ReplaceAll(s, "..", "-")

	// Drop NUL and other control characters; printable unicode is kept.
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	s = b.String()

	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if s == "" {
		s = "unnamed"
	}
	return s
}
