package fileshare

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/internal/command"
	"github.com/input-output-hk/catalyst-forge-pkgdist/internal/hostfs"
)

// Mount is a reachable share.
type Mount struct {
	// FS is rooted at the share root
	FS billy.Filesystem

	release func(ctx context.Context) error
}

// Release undoes the mount, if one was made.
func (m *Mount) Release(ctx context.Context) error {
	if m == nil || m.release == nil {
		return nil
	}
	return m.release(ctx)
}

// Mounter makes a share reachable as a filesystem.
type Mounter interface {
	Mount(ctx context.Context, share Share) (*Mount, error)
}

// HostMounter mounts SMB shares with the operating system's mount tools and
// uses local paths as they are.
type HostMounter struct {
	runner  command.Runner
	base    string
	goos    string
	retries int
	logger  *slog.Logger
}

// MounterOption configures a HostMounter.
type MounterOption func(*HostMounter)

// WithRunner sets the command runner used for mount and unmount.
func WithRunner(r command.Runner) MounterOption {
	return func(m *HostMounter) {
		m.runner = r
	}
}

// WithMountBase sets the directory under which temporary mount points are made.
func WithMountBase(dir string) MounterOption {
	return func(m *HostMounter) {
		m.base = dir
	}
}

// WithMountRetries retries a failed mount command.
func WithMountRetries(n int) MounterOption {
	return func(m *HostMounter) {
		m.retries = n
	}
}

// WithMounterLogger sets the structured logger.
func WithMounterLogger(logger *slog.Logger) MounterOption {
	return func(m *HostMounter) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func withGOOS(goos string) MounterOption {
	return func(m *HostMounter) {
		m.goos = goos
	}
}

// NewHostMounter creates a HostMounter.
func NewHostMounter(opts ...MounterOption) *HostMounter {
	m := &HostMounter{
		runner: command.New(),
		base:   os.TempDir(),
		goos:   runtime.GOOS,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mount implements Mounter.
func (m *HostMounter) Mount(ctx context.Context, share Share) (*Mount, error) {
	u, err := url.Parse(share.URL)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		return m.local(share)
	}
	if u.Scheme != "smb" && u.Scheme != "cifs" {
		return nil, unreachable(share, nil, fmt.Sprintf("unsupported share scheme %q", u.Scheme))
	}
	return m.smb(ctx, share, u)
}

func (m *HostMounter) local(share Share) (*Mount, error) {
	path := strings.TrimPrefix(share.URL, "file://")
	info, err := hostfs.New().Stat(path)
	if err != nil {
		return nil, unreachable(share, err, "")
	}
	if !info.IsDir() {
		return nil, unreachable(share, nil, "share path is not a directory")
	}
	return &Mount{FS: osfs.New(path, osfs.WithBoundOS())}, nil
}

func (m *HostMounter) smb(ctx context.Context, share Share, u *url.URL) (*Mount, error) {
	user := share.Username
	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	password := share.Password.Reveal()
	if password == "" && u.User != nil {
		password, _ = u.User.Password()
	}
	remote := "//" + u.Host + u.Path

	dir, err := os.MkdirTemp(m.base, "pkgdist-share-")
	if err != nil {
		return nil, unreachable(share, err, "create mount point")
	}

	var (
		program string
		args    []string
		opts    = []command.Option{command.WithRetry(m.retries, 2*time.Second), command.WithRedaction(password)}
	)
	switch m.goos {
	case "darwin":
		program = "mount_smbfs"
		target := "//"
		if user != "" {
			target += url.PathEscape(user)
			if password != "" {
				target += ":" + url.PathEscape(password)
			}
			target += "@"
		}
		args = []string{target + u.Host + u.Path, dir}
		if password != "" {
			opts = append(opts, command.WithRedaction(url.PathEscape(password)))
		}
	case "linux":
		program = "mount"
		mountOpts := "rw"
		if user != "" {
			mountOpts += ",username=" + user
		}
		args = []string{"-t", "cifs", remote, dir, "-o", mountOpts}
		// mount.cifs reads the password from the environment, keeping it out of argv.
		if password != "" {
			opts = append(opts, command.WithEnvVar("PASSWD", password))
		}
	default:
		_ = os.Remove(dir)
		return nil, unreachable(share, nil, fmt.Sprintf("mounting shares is not supported on %s", m.goos))
	}

	m.logger.Debug("mounting share", "share", share.Name(), "mount_point", dir)
	if _, err := m.runner.Run(ctx, program, args, opts...); err != nil {
		_ = os.Remove(dir)
		return nil, unreachable(share, err, "mount")
	}

	release := func(ctx context.Context) error {
		if _, err := m.runner.Run(ctx, "umount", []string{dir}); err != nil {
			m.logger.Warn("failed to unmount share", "share", share.Name(), "mount_point", dir, "error", err)
			return err
		}
		return os.Remove(dir)
	}
	return &Mount{FS: osfs.New(dir, osfs.WithBoundOS()), release: release}, nil
}

func unreachable(share Share, err error, msg string) *pkgerrors.Error {
	e := pkgerrors.New("mount share", pkgerrors.CodeShareUnreachable, err).WithEndpoint("", share.Name())
	if msg != "" {
		e = e.WithMessage(msg)
	}
	return e
}
