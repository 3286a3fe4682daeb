// Package fileshare copies a package to one or more network file shares.
//
// Shares are independent distribution points, not a failover chain: every
// configured share is written concurrently, and one share failing does not
// cancel or mask the others. Each copy goes through a temporary file that is
// renamed into place, so a reader never sees a partial package.
package fileshare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/errgroup"

	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	"github.com/input-output-hk/catalyst-forge-pkgdist/auth"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
)

// Share is one configured distribution share.
type Share struct {
	// URL is a local directory or an smb://[user@]host/share URL
	URL string `yaml:"url"`

	Username string      `yaml:"username"`
	Password auth.Secret `yaml:"-"`

	// PasswordEnv names the environment variable holding this share's
	// password, for shares that do not share one password
	PasswordEnv string `yaml:"password_env"`

	// Subdir is the destination directory inside the share
	Subdir string `yaml:"subdir"`
}

// Name returns the share URL without any embedded credentials.
func (s Share) Name() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.User == nil {
		return s.URL
	}
	u.User = nil
	return u.String()
}

// Executor implements transfer.Executor for file shares.
type Executor struct {
	shares  []Share
	mounter Mounter
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMounter replaces the host mounter.
func WithMounter(m Mounter) Option {
	return func(e *Executor) {
		e.mounter = m
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates a file share executor writing to shares in declared order.
func New(shares []Share, opts ...Option) (*Executor, error) {
	if len(shares) == 0 {
		return nil, pkgerrors.New("fileshare", pkgerrors.CodeInvalidConfig, nil).
			WithMessage("at least one share is required")
	}
	e := &Executor{shares: shares, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.mounter == nil {
		e.mounter = NewHostMounter(WithMounterLogger(e.logger))
	}
	return e, nil
}

// Mode implements transfer.Executor.
func (e *Executor) Mode() transfer.Mode {
	return transfer.ModeFileShare
}

// Transfer implements transfer.Executor. The outcome lists every share even
// when an error is returned.
func (e *Executor) Transfer(ctx context.Context, pkg *artifact.Package, _ *resolver.Record, replace bool) (*transfer.Outcome, error) {
	results := make([]transfer.ShareResult, len(e.shares))

	// Tasks never return errors so one failing share cannot stop the rest.
	var g errgroup.Group
	for i, share := range e.shares {
		g.Go(func() error {
			results[i] = e.copyToShare(ctx, share, pkg, replace)
			return nil
		})
	}
	_ = g.Wait()

	return aggregate(pkg, results)
}

func (e *Executor) copyToShare(ctx context.Context, share Share, pkg *artifact.Package, replace bool) transfer.ShareResult {
	res := transfer.ShareResult{Share: share.Name()}
	logger := e.logger.With("share", res.Share, "artifact", pkg.Name)

	m, err := e.mounter.Mount(ctx, share)
	if err != nil {
		logger.Warn("share unreachable", "error", err)
		return failed(res, err)
	}
	defer func() {
		if err := m.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release share", "error", err)
		}
	}()

	n, copied, err := copyFile(m.FS, share.Subdir, pkg, replace)
	switch {
	case err != nil:
		logger.Warn("copy to share failed", "error", err)
		return failed(res, pkgerrors.New("copy to share", pkgerrors.CodeTransfer, err).
			WithEndpoint("", res.Share).
			WithArtifact(pkg.Name))
	case !copied:
		logger.Info("package already on share, keeping it")
		res.Status = transfer.ShareSkipped
	default:
		logger.Info("package copied to share", "bytes", n)
		res.Status = transfer.ShareCopied
		res.Bytes = n
	}
	return res
}

// copyFile writes pkg to dir/filename on fs. It reports copied=false when the
// file exists and replace is not set.
func copyFile(fs billy.Filesystem, dir string, pkg *artifact.Package, replace bool) (int64, bool, error) {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	target := pkg.Filename
	if dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return 0, false, fmt.Errorf("create %s: %w", dir, err)
		}
		target = fs.Join(dir, pkg.Filename)
	}

	_, err := fs.Stat(target)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, false, fmt.Errorf("stat %s: %w", target, err)
	}
	if exists && !replace {
		return 0, false, nil
	}

	src, err := pkg.Open()
	if err != nil {
		return 0, false, err
	}
	defer src.Close()

	tmpDir := dir
	if tmpDir == "" {
		tmpDir = "."
	}
	tmp, err := util.TempFile(fs, tmpDir, "."+pkg.Filename+".partial-")
	if err != nil {
		return 0, false, fmt.Errorf("create temporary file: %w", err)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(tmp.Name())
		return 0, false, fmt.Errorf("write %s: %w", tmp.Name(), err)
	}

	if exists {
		if err := fs.Remove(target); err != nil {
			_ = fs.Remove(tmp.Name())
			return 0, false, fmt.Errorf("remove previous %s: %w", target, err)
		}
	}
	if err := fs.Rename(tmp.Name(), target); err != nil {
		_ = fs.Remove(tmp.Name())
		return 0, false, fmt.Errorf("rename into %s: %w", target, err)
	}
	return n, true, nil
}

func failed(res transfer.ShareResult, err error) transfer.ShareResult {
	res.Status = transfer.ShareFailed
	res.Err = err
	res.Error = err.Error()
	return res
}

// aggregate folds per-share results into one outcome. Any copy makes the
// transfer a success; no copy with at least one share already holding the
// package is unchanged; every share failing is an error.
func aggregate(pkg *artifact.Package, results []transfer.ShareResult) (*transfer.Outcome, error) {
	var copied, skipped, unreachable int
	out := &transfer.Outcome{Shares: results}
	for _, r := range results {
		switch r.Status {
		case transfer.ShareCopied:
			copied++
			out.Bytes += r.Bytes
		case transfer.ShareSkipped:
			skipped++
		case transfer.ShareFailed:
			if errors.Is(r.Err, pkgerrors.ErrShareUnreachable) {
				unreachable++
			}
		}
	}
	failures := len(results) - copied - skipped

	switch {
	case copied > 0:
		out.Status = transfer.StatusTransferred
	case skipped > 0:
		out.Status = transfer.StatusUnchanged
	default:
		code := pkgerrors.CodeTransfer
		if unreachable == len(results) {
			code = pkgerrors.CodeShareUnreachable
		}
		return out, pkgerrors.New("transfer.fileshare", code, nil).
			WithArtifact(pkg.Name).
			WithMessage(fmt.Sprintf("all %d shares failed", len(results)))
	}

	out.Detail = fmt.Sprintf("%d copied, %d already present, %d failed", copied, skipped, failures)
	return out, nil
}
