//go:build !windows

package ops

import (
	stderrors "errors"
	"os"
	"syscall"

	"github.com/hpungsan/counsel/internal/errors"
)

// openFileNoFollow opens a transcript export for writing with O_NOFOLLOW, so a
// symlink planted at the final path component is refused by the kernel
// instead of being written through. O_CLOEXEC keeps the descriptor out of
// any child process.
//
// O_NOFOLLOW only covers the last component. The directories above it are
// covered by ValidatePath, which only accepts files sitting directly in an
// allowed directory; with no nested component left there is nothing an
// attacker can swap for a symlink between validation and open.
func openFileNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	fd, err := syscall.Open(path, flag|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, uint32(perm))
	if err != nil {
		if stderrors.Is(err, syscall.ELOOP) {
			return nil, errors.NewInvalidRequest("cannot write to symlink")
		}
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// openFileNoFollowRead opens a seed file for reading with O_NOFOLLOW and
// O_CLOEXEC. As with openFileNoFollow, only the final component is guarded
// here; ValidatePath has already pinned the parent directory.
//
// A missing file maps to NOT_FOUND and a symlink to INVALID_REQUEST, matching
// the errors ValidatePath reports for the same cases.
func openFileNoFollowRead(path string) (*os.File, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		if stderrors.Is(err, syscall.ELOOP) {
			return nil, errors.NewInvalidRequest("cannot read from symlink")
		}
		if stderrors.Is(err, syscall.ENOENT) {
			return nil, errors.NewNotFound("file", path)
		}
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}
