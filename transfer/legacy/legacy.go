// Package legacy uploads a package with a single multipart POST to the
// server's unofficial upload endpoint.
//
// The endpoint gives no strong completion guarantee. Its response is
// classified as follows:
//
//	2xx, 3xx                    transferred
//	4xx                         determinate failure
//	504, 524, client timeout    ambiguous
//	other 5xx, transport error  determinate failure
//
// The request is never retried and redirects are never followed.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/internal/multipartstream"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
)

// UploadPath is the legacy upload endpoint.
const UploadPath = "/dbfileupload"

// statusOriginTimeout is the proxy status for an origin that did not answer in time.
const statusOriginTimeout = 524

var idPattern = regexp.MustCompile(`<id>\s*(\d+)\s*</id>`)

// Transferer performs byte-transfer calls. *api.Client implements it.
type Transferer interface {
	Transfer(ctx context.Context, req api.Request) (*api.Response, error)
}

// Executor implements transfer.Executor for the legacy endpoint.
type Executor struct {
	client Transferer
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates a legacy executor.
func New(client Transferer, opts ...Option) *Executor {
	e := &Executor{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode implements transfer.Executor.
func (e *Executor) Mode() transfer.Mode {
	return transfer.ModeLegacy
}

// Transfer implements transfer.Executor.
func (e *Executor) Transfer(ctx context.Context, pkg *artifact.Package, existing *resolver.Record, _ bool) (*transfer.Outcome, error) {
	objectID := 0
	if existing != nil {
		objectID = existing.ID
	}

	boundary, err := multipartstream.NewBoundary()
	if err != nil {
		return nil, pkgerrors.New("transfer.legacy", pkgerrors.CodeTransfer, err).WithArtifact(pkg.Name)
	}

	req := api.Request{
		Method:      http.MethodPost,
		Path:        UploadPath,
		Accept:      "*/*",
		ContentType: multipartstream.ContentType(boundary),
		Header: http.Header{
			"DESTINATION": {"0"},
			"OBJECT_ID":   {strconv.Itoa(objectID)},
			"FILE_TYPE":   {"0"},
			"FILE_NAME":   {pkg.Filename},
		},
		Body: func() (io.Reader, error) {
			return multipartstream.File(pkg, boundary)
		},
	}

	e.logger.Info("uploading package", "mode", transfer.ModeLegacy, "name", pkg.Name, "object_id", objectID, "size", pkg.Size)

	resp, err := e.client.Transfer(ctx, req)
	if err != nil {
		if api.IsTimeout(err) {
			e.logger.Warn("legacy upload timed out, outcome unknown", "name", pkg.Name, "error", err)
			return &transfer.Outcome{
				Status:        transfer.StatusAmbiguous,
				ObjectID:      objectID,
				RecordWritten: true,
				Detail:        fmt.Sprintf("upload timed out after sending: %v", err),
			}, nil
		}
		var pe *pkgerrors.Error
		if errors.As(err, &pe) {
			return nil, pe.WithArtifact(pkg.Name)
		}
		return nil, pkgerrors.New("transfer.legacy", pkgerrors.CodeTransfer, err).
			WithArtifact(pkg.Name).
			WithEndpoint(http.MethodPost, UploadPath)
	}

	return e.classify(pkg, objectID, resp)
}

func (e *Executor) classify(pkg *artifact.Package, objectID int, resp *api.Response) (*transfer.Outcome, error) {
	switch s := resp.Status; {
	case s >= 200 && s < 400:
		if m := idPattern.FindSubmatch(resp.Body); m != nil {
			if id, err := strconv.Atoi(string(m[1])); err == nil {
				objectID = id
			}
		}
		e.logger.Info("legacy upload accepted", "name", pkg.Name, "status", s, "object_id", objectID)
		return &transfer.Outcome{
			Status:        transfer.StatusTransferred,
			ObjectID:      objectID,
			RecordWritten: true,
			Bytes:         pkg.Size,
		}, nil

	case s == http.StatusGatewayTimeout || s == statusOriginTimeout:
		e.logger.Warn("legacy upload hit a gateway timeout, outcome unknown", "name", pkg.Name, "status", s)
		return &transfer.Outcome{
			Status:        transfer.StatusAmbiguous,
			ObjectID:      objectID,
			RecordWritten: true,
			Detail:        fmt.Sprintf("gateway timeout (status %d); the package may have been stored", s),
		}, nil

	default:
		code := pkgerrors.CodeTransfer
		if api.IsAuthStatus(s) {
			code = pkgerrors.CodeAuthentication
		}
		return nil, pkgerrors.New("transfer.legacy", code, nil).
			WithArtifact(pkg.Name).
			WithEndpoint(http.MethodPost, UploadPath).
			WithStatus(s).
			WithMessage(http.StatusText(s))
	}
}
