// Package multipartstream builds multipart/form-data request bodies that
// stream an artifact from its filesystem instead of buffering it in memory.
package multipartstream

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"mime/multipart"

	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
)

// FileField is the form field the artifact is sent under.
const FileField = "file"

// NewBoundary returns a random multipart boundary.
func NewBoundary() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// ContentType returns the Content-Type header value for boundary.
func ContentType(boundary string) string {
	return "multipart/form-data; boundary=" + boundary
}

// File opens pkg and returns a reader producing a multipart body with the
// artifact as its only part. The caller must read the body to the end or
// close it, otherwise the writing goroutine and the open file leak.
func File(pkg *artifact.Package, boundary string) (io.ReadCloser, error) {
	f, err := pkg.Open()
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		mw := multipart.NewWriter(pw)
		if err := mw.SetBoundary(boundary); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := mw.CreateFormFile(FileField, pkg.Filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()
	return pr, nil
}
