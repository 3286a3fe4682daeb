// Package cloud uploads a package directly to the server's object storage
// with short-lived credentials issued by the API server, bypassing the API
// server for the bytes themselves.
//
// Before any upload the storage listing is checked. An object with the same
// name and MD5 is left alone and reported unchanged, which makes re-runs
// cheap. An object with the same name but different content is deleted first
// when replace is requested, because storage does not support in-place
// overwrite. Otherwise it is left alone and reported kept.
//
// Credentials are requested only when an upload is needed, used once, and
// discarded.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	"github.com/input-output-hk/catalyst-forge-pkgdist/auth"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
)

// Server endpoints for the cloud distribution point.
const (
	FilesPath            = "/api/v1/jcds/files"
	RefreshInventoryPath = "/api/v1/jcds/refresh-inventory"
)

// Credentials are single-use object storage credentials issued by the server.
type Credentials struct {
	AccessKeyID     string      `json:"accessKeyID"`
	SecretAccessKey auth.Secret `json:"secretAccessKey"`
	SessionToken    auth.Secret `json:"sessionToken"`
	Region          string      `json:"region"`
	Bucket          string      `json:"bucketName"`
	Path            string      `json:"path"`
	Expiration      time.Time   `json:"expiration"`
}

// Key returns the object key for filename under the issued path prefix.
func (c *Credentials) Key(filename string) string {
	return c.Path + filename
}

// wipe drops the secret parts so they cannot outlive the upload.
func (c *Credentials) wipe() {
	c.SecretAccessKey = ""
	c.SessionToken = ""
}

// StoredFile is one entry of the storage listing.
type StoredFile struct {
	FileName string `json:"fileName"`
	MD5      string `json:"md5"`
	Length   int64  `json:"length"`
	Region   string `json:"region"`
}

// Driver writes an object to storage with issued credentials.
type Driver interface {
	// Name identifies the driver in logs.
	Name() string

	// Upload stores pkg under key.
	Upload(ctx context.Context, creds *Credentials, key string, pkg *artifact.Package) error
}

// Doer performs API calls. *api.Client implements it.
type Doer interface {
	Do(ctx context.Context, op string, req api.Request) (*api.Response, error)
}

// Executor implements transfer.Executor for direct object storage uploads.
type Executor struct {
	api    Doer
	driver Driver
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

// New creates a cloud executor that stores bytes through driver.
func New(client Doer, driver Driver, opts ...Option) *Executor {
	e := &Executor{api: client, driver: driver, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode implements transfer.Executor.
func (e *Executor) Mode() transfer.Mode {
	return transfer.ModeCloud
}

// Transfer implements transfer.Executor.
func (e *Executor) Transfer(ctx context.Context, pkg *artifact.Package, existing *resolver.Record, replace bool) (*transfer.Outcome, error) {
	objectID := 0
	if existing != nil {
		objectID = existing.ID
	}

	// Step 1: look for an object with the same name
	stored, err := e.find(ctx, pkg.Filename)
	if err != nil {
		return nil, withArtifact(err, pkg.Name)
	}

	// Step 2: decide whether bytes need to move
	if stored != nil {
		if pkg.MatchesChecksum(stored.MD5) {
			e.logger.Info("identical object already in storage, skipping upload",
				"name", pkg.Filename, "md5", pkg.MD5)
			return &transfer.Outcome{
				Status:   transfer.StatusUnchanged,
				ObjectID: objectID,
				Detail:   "identical object already in storage",
			}, nil
		}

		if !replace {
			e.logger.Warn("object with different content already in storage, not replacing",
				"name", pkg.Filename, "stored_md5", stored.MD5, "local_md5", pkg.MD5)
			return &transfer.Outcome{
				Status:   transfer.StatusKept,
				ObjectID: objectID,
				Detail: fmt.Sprintf("storage holds %s with checksum %s, local checksum is %s; replace not requested",
					pkg.Filename, stored.MD5, pkg.MD5),
			}, nil
		}

		if err := e.delete(ctx, pkg.Filename); err != nil {
			return nil, withArtifact(err, pkg.Name)
		}
	}

	// Step 3: upload with freshly issued credentials
	if err := e.upload(ctx, pkg); err != nil {
		return nil, err
	}

	// Step 4: let the server pick up the new object
	e.refreshInventory(ctx)

	return &transfer.Outcome{
		Status:   transfer.StatusTransferred,
		ObjectID: objectID,
		Bytes:    pkg.Size,
	}, nil
}

// find returns the stored file named filename, or nil.
func (e *Executor) find(ctx context.Context, filename string) (*StoredFile, error) {
	resp, err := e.api.Do(ctx, "transfer.cloud", api.Request{Method: http.MethodGet, Path: FilesPath})
	if err != nil {
		return nil, err
	}

	var files []StoredFile
	if err := resp.JSON(&files); err != nil {
		return nil, pkgerrors.New("transfer.cloud", pkgerrors.CodeTransfer, err).
			WithEndpoint(http.MethodGet, FilesPath).
			WithMessage("decode storage listing")
	}

	for i := range files {
		if files[i].FileName == filename {
			return &files[i], nil
		}
	}
	return nil, nil
}

func (e *Executor) delete(ctx context.Context, filename string) error {
	path := FilesPath + "/" + url.PathEscape(filename)
	e.logger.Info("deleting stored object before re-upload", "name", filename)

	_, err := e.api.Do(ctx, "transfer.cloud", api.Request{Method: http.MethodDelete, Path: path})
	if err != nil && !pkgerrors.IsNotFound(err) {
		return err
	}
	return nil
}

func (e *Executor) upload(ctx context.Context, pkg *artifact.Package) error {
	resp, err := e.api.Do(ctx, "transfer.cloud", api.Request{Method: http.MethodPost, Path: FilesPath})
	if err != nil {
		return withArtifact(err, pkg.Name)
	}

	var creds Credentials
	if err := resp.JSON(&creds); err != nil {
		return pkgerrors.New("transfer.cloud", pkgerrors.CodeTransfer, err).
			WithArtifact(pkg.Name).
			WithEndpoint(http.MethodPost, FilesPath).
			WithMessage("decode storage credentials")
	}
	defer creds.wipe()

	if creds.AccessKeyID == "" || creds.Bucket == "" {
		return pkgerrors.New("transfer.cloud", pkgerrors.CodeStorageCredentials, nil).
			WithArtifact(pkg.Name).
			WithEndpoint(http.MethodPost, FilesPath).
			WithMessage("server issued incomplete storage credentials")
	}

	key := creds.Key(pkg.Filename)
	e.logger.Info("uploading package",
		"mode", transfer.ModeCloud,
		"driver", e.driver.Name(),
		"name", pkg.Name,
		"bucket", creds.Bucket,
		"key", key,
		"size", pkg.Size,
		"credentials_expire", creds.Expiration,
	)

	start := time.Now()
	if err := e.driver.Upload(ctx, &creds, key, pkg); err != nil {
		return storageError(err).
			WithArtifact(pkg.Name).
			WithEndpoint("PUT", "s3://"+creds.Bucket+"/"+key)
	}

	e.logger.Info("object stored", "key", key, "duration", time.Since(start))
	return nil
}

// refreshInventory asks the server to rescan storage. Failure only delays
// the server noticing the object, so it is logged and ignored.
func (e *Executor) refreshInventory(ctx context.Context) {
	_, err := e.api.Do(ctx, "transfer.cloud", api.Request{Method: http.MethodPost, Path: RefreshInventoryPath})
	if err != nil {
		e.logger.Warn("storage inventory refresh failed", "error", err)
	}
}

func withArtifact(err error, name string) error {
	var e *pkgerrors.Error
	if errors.As(err, &e) {
		e.WithArtifact(name)
	}
	return err
}
