// Package hostfs exposes the host filesystem as a billy.Filesystem that
// resolves paths the way the os package does, so relative artifact paths are
// taken from the working directory and absolute paths are used as-is.
package hostfs

import (
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// FS is the unrooted host filesystem.
type FS struct {
	osfs.ChrootOS
}

// New returns the host filesystem.
//
//nolint:ireturn // callers work against billy.Filesystem.
func New() billy.Filesystem {
	return &FS{}
}

// Chroot returns a filesystem rooted at path. Paths under the returned
// filesystem cannot escape path.
//
//nolint:ireturn // signature is dictated by billy.Filesystem.
func (f *FS) Chroot(path string) (billy.Filesystem, error) {
	return osfs.New(path, osfs.WithBoundOS()), nil
}

// Root returns the filesystem root.
func (f *FS) Root() string {
	return "/"
}
