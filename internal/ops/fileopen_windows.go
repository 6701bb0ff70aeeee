//go:build windows

package ops

import (
	"os"

	"github.com/hpungsan/counsel/internal/errors"
)

// openFileNoFollow opens path for writing. Windows has no O_NOFOLLOW, so the
// only symlink guard is the Lstat check ValidatePath runs just before this
// call. That leaves a window between check and open which the unix build
// closes in the kernel.
func openFileNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

// openFileNoFollowRead opens a seed file for reading. See openFileNoFollow for
// the symlink caveat on Windows.
func openFileNoFollowRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("file", path)
		}
		return nil, err
	}
	return f, nil
}
