package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
)

// MockS3Client is a function-field mock of S3API.
type MockS3Client struct {
	PutObjectFunc               func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUploadFunc   func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartFunc              func(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUploadFunc func(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadFunc    func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.PutObjectFunc != nil {
		return m.PutObjectFunc(ctx, params, optFns...)
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if m.CreateMultipartUploadFunc != nil {
		return m.CreateMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.CreateMultipartUploadOutput{}, nil
}

func (m *MockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if m.UploadPartFunc != nil {
		return m.UploadPartFunc(ctx, params, optFns...)
	}
	return &s3.UploadPartOutput{}, nil
}

func (m *MockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if m.CompleteMultipartUploadFunc != nil {
		return m.CompleteMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *MockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if m.AbortMultipartUploadFunc != nil {
		return m.AbortMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

// mockDriver records uploads.
type mockDriver struct {
	mu      sync.Mutex
	uploads []string
	creds   []Credentials
	err     error
}

func (d *mockDriver) Name() string { return "mock" }

func (d *mockDriver) Upload(_ context.Context, creds *Credentials, key string, _ *artifact.Package) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads = append(d.uploads, key)
	d.creds = append(d.creds, *creds)
	return d.err
}

// fakeAPI routes "METHOD path" to canned responses and counts calls.
type fakeAPI struct {
	mu     sync.Mutex
	routes map[string]func() (*api.Response, error)
	calls  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{routes: map[string]func() (*api.Response, error){}}
}

func (f *fakeAPI) on(method, path string, status int, body any) {
	f.routes[method+" "+path] = func() (*api.Response, error) {
		b, _ := json.Marshal(body)
		resp := &api.Response{Status: status, Body: b}
		if status >= 300 {
			return resp, api.StatusError("test", method, path, resp)
		}
		return resp, nil
	}
}

func (f *fakeAPI) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method+" "+path {
			n++
		}
	}
	return n
}

func (f *fakeAPI) Do(_ context.Context, _ string, req api.Request) (*api.Response, error) {
	f.mu.Lock()
	key := req.Method + " " + req.Path
	f.calls = append(f.calls, key)
	route, ok := f.routes[key]
	f.mu.Unlock()
	if !ok {
		return nil, pkgerrors.New("test", pkgerrors.CodeNotFound, fmt.Errorf("no route for %s", key)).
			WithStatus(http.StatusNotFound)
	}
	return route()
}
