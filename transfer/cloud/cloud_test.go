package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testPackage(t *testing.T, content string) *artifact.Package {
	t.Helper()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "Tool-2.0.pkg", []byte(content), 0o644))
	pkg, err := artifact.Resolve("Tool-2.0.pkg", artifact.WithFilesystem(fs))
	require.NoError(t, err)
	return pkg
}

var issued = map[string]any{
	"accessKeyID":     "AKIA",
	"secretAccessKey": "secret",
	"sessionToken":    "session",
	"region":          "eu-west-1",
	"bucketName":      "dist-bucket",
	"path":            "tenant/",
	"expiration":      time.Now().Add(time.Hour).Format(time.RFC3339),
}

// TestExecutor_ChecksumDecisions tests the listing comparison for identical
// and differing content, with and without replace.
func TestExecutor_ChecksumDecisions(t *testing.T) {
	pkg := testPackage(t, "version 2 payload")
	other := testPackage(t, "version 1 payload")
	deletePath := FilesPath + "/Tool-2.0.pkg"

	tests := []struct {
		name        string
		listing     []StoredFile
		replace     bool
		wantStatus  transfer.Status
		wantDeletes int
		wantUploads int
		wantCreds   int
	}{
		{
			name:       "identical content skips upload",
			listing:    []StoredFile{{FileName: "Tool-2.0.pkg", MD5: pkg.MD5}},
			wantStatus: transfer.StatusUnchanged,
		},
		{
			name:       "identical content skips upload even with replace",
			listing:    []StoredFile{{FileName: "Tool-2.0.pkg", MD5: pkg.MD5}},
			replace:    true,
			wantStatus: transfer.StatusUnchanged,
		},
		{
			name:        "different content with replace deletes then uploads",
			listing:     []StoredFile{{FileName: "Tool-2.0.pkg", MD5: other.MD5}},
			replace:     true,
			wantStatus:  transfer.StatusTransferred,
			wantDeletes: 1,
			wantUploads: 1,
			wantCreds:   1,
		},
		{
			name:       "different content without replace is kept",
			listing:    []StoredFile{{FileName: "Tool-2.0.pkg", MD5: other.MD5}},
			wantStatus: transfer.StatusKept,
		},
		{
			name:       "checksum comparison ignores case",
			listing:    []StoredFile{{FileName: "Tool-2.0.pkg", MD5: strings.ToUpper(pkg.MD5)}},
			wantStatus: transfer.StatusUnchanged,
		},
		{
			name:        "absent object uploads",
			listing:     []StoredFile{{FileName: "Other.pkg", MD5: pkg.MD5}},
			wantStatus:  transfer.StatusTransferred,
			wantUploads: 1,
			wantCreds:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeAPI()
			fake.on(http.MethodGet, FilesPath, http.StatusOK, tt.listing)
			fake.on(http.MethodDelete, deletePath, http.StatusNoContent, nil)
			fake.on(http.MethodPost, FilesPath, http.StatusOK, issued)
			fake.on(http.MethodPost, RefreshInventoryPath, http.StatusNoContent, nil)
			driver := &mockDriver{}

			out, err := New(fake, driver, WithLogger(quiet)).
				Transfer(context.Background(), pkg, &resolver.Record{ID: 3}, tt.replace)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, 3, out.ObjectID)
			assert.False(t, out.RecordWritten)
			assert.Equal(t, tt.wantDeletes, fake.count(http.MethodDelete, deletePath))
			assert.Equal(t, tt.wantCreds, fake.count(http.MethodPost, FilesPath))
			assert.Len(t, driver.uploads, tt.wantUploads)

			if tt.wantDeletes > 0 {
				// delete must precede the credential request
				assert.Equal(t, http.MethodDelete+" "+deletePath, fake.calls[1])
			}
			if tt.wantUploads > 0 {
				assert.Equal(t, "tenant/Tool-2.0.pkg", driver.uploads[0])
				assert.Equal(t, "dist-bucket", driver.creds[0].Bucket)
				assert.Equal(t, 1, fake.count(http.MethodPost, RefreshInventoryPath))
			}
		})
	}
}

// TestExecutor_CredentialsDiscarded tests that issued secrets are wiped after use.
func TestExecutor_CredentialsDiscarded(t *testing.T) {
	fake := newFakeAPI()
	fake.on(http.MethodGet, FilesPath, http.StatusOK, []StoredFile{})
	fake.on(http.MethodPost, FilesPath, http.StatusOK, issued)
	fake.on(http.MethodPost, RefreshInventoryPath, http.StatusNoContent, nil)

	var seen *Credentials
	driver := &captureDriver{fn: func(c *Credentials) {
		seen = c
		assert.Equal(t, "secret", c.SecretAccessKey.Reveal())
	}}

	_, err := New(fake, driver, WithLogger(quiet)).Transfer(context.Background(), testPackage(t, "x"), nil, false)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.True(t, seen.SecretAccessKey.IsZero())
	assert.True(t, seen.SessionToken.IsZero())
}

type captureDriver struct{ fn func(*Credentials) }

func (d *captureDriver) Name() string { return "capture" }

func (d *captureDriver) Upload(_ context.Context, c *Credentials, _ string, _ *artifact.Package) error {
	d.fn(c)
	return nil
}

// TestExecutor_Failures tests determinate failure classification.
func TestExecutor_Failures(t *testing.T) {
	tests := []struct {
		name      string
		driverErr error
		listing   int
		want      error
	}{
		{
			name:      "credentials rejected",
			driverErr: &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
			listing:   http.StatusOK,
			want:      pkgerrors.ErrStorageCredentials,
		},
		{
			name:      "expired token",
			driverErr: &smithy.GenericAPIError{Code: "ExpiredToken"},
			listing:   http.StatusOK,
			want:      pkgerrors.ErrStorageCredentials,
		},
		{
			name:      "storage failure",
			driverErr: errors.New("connection reset"),
			listing:   http.StatusOK,
			want:      pkgerrors.ErrTransfer,
		},
		{
			name:    "listing unavailable",
			listing: http.StatusServiceUnavailable,
			want:    pkgerrors.ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeAPI()
			fake.on(http.MethodGet, FilesPath, tt.listing, []StoredFile{})
			fake.on(http.MethodPost, FilesPath, http.StatusOK, issued)
			fake.on(http.MethodPost, RefreshInventoryPath, http.StatusNoContent, nil)

			_, err := New(fake, &mockDriver{err: tt.driverErr}, WithLogger(quiet)).
				Transfer(context.Background(), testPackage(t, "x"), nil, false)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "Tool-2.0.pkg")
			assert.Zero(t, fake.count(http.MethodPost, RefreshInventoryPath))
		})
	}
}

// TestExecutor_RefreshBestEffort tests that a failed inventory refresh does
// not fail the transfer.
func TestExecutor_RefreshBestEffort(t *testing.T) {
	fake := newFakeAPI()
	fake.on(http.MethodGet, FilesPath, http.StatusOK, []StoredFile{})
	fake.on(http.MethodPost, FilesPath, http.StatusOK, issued)
	fake.on(http.MethodPost, RefreshInventoryPath, http.StatusInternalServerError, nil)

	out, err := New(fake, &mockDriver{}, WithLogger(quiet)).
		Transfer(context.Background(), testPackage(t, "x"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusTransferred, out.Status)
}

// TestWithArtifact tests that the artifact name reaches a wrapped error.
func TestWithArtifact(t *testing.T) {
	inner := pkgerrors.New("transfer.cloud", pkgerrors.CodeNetwork, nil)
	err := withArtifact(fmt.Errorf("storage listing: %w", inner), "Tool-2.0.pkg")

	var pe *pkgerrors.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Tool-2.0.pkg", pe.Artifact)
	assert.Contains(t, err.Error(), "storage listing")

	plain := errors.New("boom")
	assert.Equal(t, plain, withArtifact(plain, "Tool-2.0.pkg"))
}
