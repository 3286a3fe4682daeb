package upload

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	"github.com/input-output-hk/catalyst-forge-pkgdist/auth"
	"github.com/input-output-hk/catalyst-forge-pkgdist/metadata"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer/cloud"
)

// fleetServer is an in-memory fleet-management server with a cloud
// distribution point.
type fleetServer struct {
	*httptest.Server

	mu        sync.Mutex
	nextID    int
	records   map[int]string
	stored    map[string]string
	creates   []string
	updates   []string
	storeAPIs int
}

func newFleetServer(t *testing.T) *fleetServer {
	t.Helper()
	fs := &fleetServer{nextID: 1, records: map[int]string{}, stored: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+auth.TokenPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":   "bearer-1",
			"expires": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET "+resolver.PackagesPath, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		results := []map[string]any{}
		if r.URL.Query().Get("page") == "0" {
			for id, name := range fs.records {
				results = append(results, map[string]any{
					"id": strconv.Itoa(id), "packageName": name, "fileName": name,
				})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"totalCount": len(fs.records), "results": results})
	})
	mux.HandleFunc("GET "+cloud.FilesPath, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.storeAPIs++
		files := []cloud.StoredFile{}
		for name, md5 := range fs.stored {
			files = append(files, cloud.StoredFile{FileName: name, MD5: md5})
		}
		_ = json.NewEncoder(w).Encode(files)
	})
	mux.HandleFunc("POST "+cloud.FilesPath, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.storeAPIs++
		fs.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessKeyID":     "AKIA",
			"secretAccessKey": "secret",
			"sessionToken":    "session",
			"region":          "eu-west-1",
			"bucketName":      "dp-bucket",
			"path":            "tenant/",
			"expiration":      time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("DELETE "+cloud.FilesPath+"/{name}", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.storeAPIs++
		delete(fs.stored, r.PathValue("name"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+cloud.RefreshInventoryPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /JSSResource/packages/id/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var doc struct {
			Name string `xml:"name"`
		}
		assert.NoError(t, xml.Unmarshal(body, &doc))

		fs.mu.Lock()
		id := fs.nextID
		fs.nextID++
		fs.records[id] = doc.Name
		fs.creates = append(fs.creates, string(body))
		fs.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "<package><id>%d</id></package>", id)
	})
	mux.HandleFunc("PUT /JSSResource/packages/id/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.updates = append(fs.updates, string(body))
		fs.mu.Unlock()
		fmt.Fprintf(w, "<package><id>%s</id></package>", r.PathValue("id"))
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

// calls returns copies of the recorded record writes and the number of
// storage API calls.
func (fs *fleetServer) calls() (creates, updates []string, storeAPIs int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.creates...), append([]string(nil), fs.updates...), fs.storeAPIs
}

// storageDriver stands in for object storage and records uploads on the server.
type storageDriver struct {
	server  *fleetServer
	uploads []string
}

func (d *storageDriver) Name() string { return "test" }

func (d *storageDriver) Upload(_ context.Context, creds *cloud.Credentials, key string, pkg *artifact.Package) error {
	d.uploads = append(d.uploads, key)
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	d.server.stored[pkg.Filename] = pkg.MD5
	return nil
}

type stack struct {
	server *fleetServer
	driver *storageDriver
	orch   *Orchestrator
	pkg    *artifact.Package
}

func newStack(t *testing.T) *stack {
	t.Helper()
	srv := newFleetServer(t)
	logger := quietLogger()

	session, err := auth.NewSession(srv.URL, auth.Basic{Username: "api", Password: "pw"}, auth.WithLogger(logger))
	require.NoError(t, err)
	client, err := api.New(srv.URL, session, api.WithLogger(logger))
	require.NoError(t, err)

	driver := &storageDriver{server: srv}
	orch, err := New(session,
		resolver.New(client, resolver.WithLogger(logger)),
		metadata.New(client, metadata.WithLogger(logger)),
		[]transfer.Executor{cloud.New(client, driver, cloud.WithLogger(logger))},
		WithLogger(logger),
	)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "Tool-2.0.pkg")
	require.NoError(t, os.WriteFile(path, []byte("xar! tool 2.0"), 0o644))
	pkg, err := artifact.Resolve(path)
	require.NoError(t, err)

	return &stack{server: srv, driver: driver, orch: orch, pkg: pkg}
}

func (s *stack) request(replace bool) Request {
	return Request{
		Package:  s.pkg,
		Metadata: metadata.Desired{Category: "Tools", Info: "Tool 2.0", Priority: 10},
		Replace:  replace,
		Flags:    transfer.Flags{Cloud: true},
	}
}

// TestEndToEnd_CloudCreate tests a first upload of Tool-2.0.pkg to a server
// that has never seen it.
func TestEndToEnd_CloudCreate(t *testing.T) {
	s := newStack(t)

	res, err := s.orch.Run(context.Background(), s.request(false))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, res.ObjectID)
	assert.Equal(t, []string{"tenant/Tool-2.0.pkg"}, s.driver.uploads)
	creates, updates, _ := s.server.calls()
	require.Len(t, creates, 1)
	assert.Empty(t, updates)
	assert.Contains(t, creates[0], "<name>Tool-2.0.pkg</name>")
	assert.Contains(t, creates[0], "<filename>Tool-2.0.pkg</filename>")
	assert.Equal(t, []State{
		StateIdle, StateAuthenticated, StateResolved, StateTargetSelected,
		StateTransferred, StateReconciled, StateDone,
	}, res.States)
}

// TestEndToEnd_UnchangedRerun tests that re-running with identical bytes
// moves no bytes but still issues an identical metadata update.
func TestEndToEnd_UnchangedRerun(t *testing.T) {
	s := newStack(t)

	_, err := s.orch.Run(context.Background(), s.request(false))
	require.NoError(t, err)
	require.Len(t, s.driver.uploads, 1)

	res, err := s.orch.Run(context.Background(), s.request(true))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkippedUnchanged, res.Outcome)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, res.ObjectID)
	assert.Len(t, s.driver.uploads, 1, "identical bytes must not be uploaded again")
	creates, updates, _ := s.server.calls()
	require.Len(t, updates, 1)
	assert.Equal(t, creates[0], updates[0], "update carries identical fields")
}

// TestEndToEnd_NoReplaceRerun tests that a re-run without replace touches
// neither storage nor the record.
func TestEndToEnd_NoReplaceRerun(t *testing.T) {
	s := newStack(t)

	_, err := s.orch.Run(context.Background(), s.request(false))
	require.NoError(t, err)
	_, _, storeCalls := s.server.calls()

	res, err := s.orch.Run(context.Background(), s.request(false))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkippedNoReplace, res.Outcome)
	creates, updates, after := s.server.calls()
	assert.Equal(t, storeCalls, after)
	assert.Len(t, creates, 1)
	assert.Empty(t, updates)
}

// TestEndToEnd_StaleStorageWithoutRecord tests that storage holding different
// bytes under the same name is left alone without replace, and that no record
// is created to point at them.
func TestEndToEnd_StaleStorageWithoutRecord(t *testing.T) {
	s := newStack(t)
	s.server.mu.Lock()
	s.server.stored["Tool-2.0.pkg"] = "ffffffffffffffffffffffffffffffff"
	s.server.mu.Unlock()

	res, err := s.orch.Run(context.Background(), s.request(false))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkippedNoReplace, res.Outcome)
	assert.False(t, res.Changed)
	assert.Contains(t, res.Diagnostic, "replace not requested")
	assert.Empty(t, s.driver.uploads)
	creates, updates, _ := s.server.calls()
	assert.Empty(t, creates)
	assert.Empty(t, updates)

	// with replace the stale object is swapped and the record created
	res, err = s.orch.Run(context.Background(), s.request(true))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Len(t, s.driver.uploads, 1)
}
