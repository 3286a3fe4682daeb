// Package artifact resolves the local package file being uploaded into an
// immutable description: where it lives, what it is called on the server,
// how big it is, and its checksums.
package artifact

import (
	"crypto/md5"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"

	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/internal/hostfs"
)

// Package is a resolved local artifact. It is immutable once Resolve returns.
type Package struct {
	// Path is the location of the file on its filesystem
	Path string

	// Name is the display name used for the server record
	Name string

	// Filename is the server-side filename (may differ from the local name)
	Filename string

	// Size is the file size in bytes
	Size int64

	// MD5 is the hex MD5 checksum, used by the cloud storage listing
	MD5 string

	// SHA512 is the hex SHA-512 checksum, reported as hashValue by newer servers
	SHA512 string

	// ContentType is the sniffed MIME type
	ContentType string

	fs billy.Filesystem
}

// Option configures Resolve.
type Option func(*resolveOptions)

type resolveOptions struct {
	fs       billy.Filesystem
	name     string
	filename string
}

// WithFilesystem reads the artifact from fs instead of the host filesystem.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *resolveOptions) {
		o.fs = fs
	}
}

// WithName sets the display name. Defaults to the server filename.
func WithName(name string) Option {
	return func(o *resolveOptions) {
		o.name = name
	}
}

// WithFilename sets the server filename. Defaults to the base name of the path.
func WithFilename(filename string) Option {
	return func(o *resolveOptions) {
		o.filename = filename
	}
}

// Resolve stats the file at path and computes its checksums in one pass.
func Resolve(path string, opts ...Option) (*Package, error) {
	o := resolveOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fs == nil {
		o.fs = hostfs.New()
	}

	if path == "" {
		return nil, pkgerrors.New("resolve artifact", pkgerrors.CodeInvalidInput, nil).
			WithMessage("artifact path cannot be empty")
	}

	info, err := o.fs.Stat(path)
	if err != nil {
		return nil, pkgerrors.New("resolve artifact", pkgerrors.CodeInvalidInput, err).
			WithArtifact(path)
	}
	if info.IsDir() {
		return nil, pkgerrors.New("resolve artifact", pkgerrors.CodeInvalidInput, nil).
			WithArtifact(path).
			WithMessage("artifact is a directory; bundle packages must be flattened first")
	}

	filename := o.filename
	if filename == "" {
		filename = filepath.Base(path)
	}
	if strings.ContainsAny(filename, `/\`) {
		return nil, pkgerrors.New("resolve artifact", pkgerrors.CodeInvalidInput, nil).
			WithArtifact(path).
			WithMessage(fmt.Sprintf("server filename %q must not contain a path separator", filename))
	}
	name := o.name
	if name == "" {
		name = filename
	}

	f, err := o.fs.Open(path)
	if err != nil {
		return nil, pkgerrors.New("resolve artifact", pkgerrors.CodeInvalidInput, err).
			WithArtifact(path)
	}
	defer f.Close()

	// Sniff the header and hash the whole file in one read.
	md5h, sha := md5.New(), sha512.New()
	sniff := &headBuffer{limit: 3072}
	n, err := io.Copy(io.MultiWriter(md5h, sha, sniff), f)
	if err != nil {
		return nil, pkgerrors.New("resolve artifact", pkgerrors.CodeInvalidInput, err).
			WithArtifact(path).
			WithMessage("read artifact")
	}

	return &Package{
		Path:        path,
		Name:        name,
		Filename:    filename,
		Size:        n,
		MD5:         hex.EncodeToString(md5h.Sum(nil)),
		SHA512:      hex.EncodeToString(sha.Sum(nil)),
		ContentType: mimetype.Detect(sniff.buf).String(),
		fs:          o.fs,
	}, nil
}

// Open opens the artifact for reading. Callers must close the reader.
func (p *Package) Open() (io.ReadCloser, error) {
	f, err := p.fs.Open(p.Path)
	if err != nil {
		return nil, pkgerrors.New("open artifact", pkgerrors.CodeInvalidInput, err).
			WithArtifact(p.Name)
	}
	return f, nil
}

// MatchesChecksum reports whether sum equals the artifact's MD5 or SHA-512,
// ignoring case. An empty sum never matches.
func (p *Package) MatchesChecksum(sum string) bool {
	sum = strings.TrimSpace(sum)
	if sum == "" {
		return false
	}
	return strings.EqualFold(sum, p.MD5) || strings.EqualFold(sum, p.SHA512)
}

// headBuffer keeps the first limit bytes written to it.
type headBuffer struct {
	buf   []byte
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}
