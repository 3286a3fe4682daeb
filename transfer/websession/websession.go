// Package websession uploads a package the way a browser does: form login,
// a per-file upload token bound to that session, an upload to a
// session-scoped URL, and a final save form that records the package.
//
// The four round trips are strictly sequential. Each step's HTTP status is
// authoritative, so any failure is determinate and names the failing step.
package websession

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	"github.com/input-output-hk/catalyst-forge-pkgdist/auth"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/internal/multipartstream"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
)

// Endpoints used by the session flow.
const (
	LoginPath    = "/"
	PackagesPage = "/legacy/packages.html"
)

// Step names a round trip of the flow.
type Step string

const (
	StepLogin     Step = "login"
	StepAuthorize Step = "authorize"
	StepUpload    Step = "upload"
	StepSave      Step = "save"
)

// Executor implements transfer.Executor for the web session flow.
type Executor struct {
	base     *url.URL
	creds    auth.Basic
	category string
	logger   *slog.Logger
	newHTTP  func() *http.Client
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

// WithTransport sets the round tripper used for every step.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Executor) {
		e.newHTTP = func() *http.Client {
			c := newSessionClient()
			c.Transport = rt
			return c
		}
	}
}

// WithCategoryID sets the category ID submitted with the save form.
func WithCategoryID(id string) Option {
	return func(e *Executor) {
		e.category = id
	}
}

// New creates a web session executor. The flow logs in with a username and
// password, so only basic credentials are accepted.
func New(baseURL string, creds auth.Basic, opts ...Option) (*Executor, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, pkgerrors.New("transfer.websession", pkgerrors.CodeInvalidConfig, err).
			WithMessage(fmt.Sprintf("invalid base URL %q", baseURL))
	}
	if creds.Username == "" || creds.Password.IsZero() {
		return nil, pkgerrors.New("transfer.websession", pkgerrors.CodeInvalidConfig, nil).
			WithMessage("web session uploads need a username and password")
	}

	e := &Executor{
		base:     base,
		creds:    creds,
		category: "-1",
		logger:   slog.Default(),
		newHTTP:  newSessionClient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// newSessionClient returns a client with a fresh cookie jar that never
// follows redirects; each step judges its own 3xx.
func newSessionClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Mode implements transfer.Executor.
func (e *Executor) Mode() transfer.Mode {
	return transfer.ModeWebSession
}

// session carries state across the four steps of one transfer.
type session struct {
	*Executor
	http *http.Client
}

// Transfer implements transfer.Executor.
func (e *Executor) Transfer(ctx context.Context, pkg *artifact.Package, existing *resolver.Record, _ bool) (*transfer.Outcome, error) {
	s := &session{Executor: e, http: e.newHTTP()}

	id, op := -1, "c"
	if existing != nil {
		id, op = existing.ID, "u"
	}
	page := e.pageURL(id, op)

	e.logger.Info("uploading package", "mode", transfer.ModeWebSession, "name", pkg.Name, "object_id", id)

	// Step 1: establish the session cookie
	if err := s.login(ctx); err != nil {
		return nil, stepError(StepLogin, pkg, err)
	}

	// Step 2: fetch the per-file upload token
	token, uploadURL, err := s.authorize(ctx, page)
	if err != nil {
		return nil, stepError(StepAuthorize, pkg, err)
	}

	// Step 3: upload the bytes
	if err := s.upload(ctx, uploadURL, token, pkg); err != nil {
		return nil, stepError(StepUpload, pkg, err)
	}

	// Step 4: save the package record
	savedID, err := s.save(ctx, page, token, pkg, id)
	if err != nil {
		return nil, stepError(StepSave, pkg, err)
	}

	e.logger.Info("web session upload saved", "name", pkg.Name, "object_id", savedID)
	return &transfer.Outcome{
		Status:        transfer.StatusTransferred,
		ObjectID:      savedID,
		RecordWritten: true,
		Bytes:         pkg.Size,
	}, nil
}

func (s *session) login(ctx context.Context) error {
	form := url.Values{
		"username": {s.creds.Username},
		"password": {s.creds.Password.Reveal()},
	}
	_, err := s.postForm(ctx, s.resolve(LoginPath), form)
	return err
}

func (s *session) authorize(ctx context.Context, page string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return "", "", err
	}
	body, _, err := s.do(req)
	if err != nil {
		return "", "", err
	}

	token, uploadURL, err := parseUploadForm(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	return token, s.resolve(uploadURL), nil
}

func (s *session) upload(ctx context.Context, uploadURL, token string, pkg *artifact.Package) error {
	boundary, err := multipartstream.NewBoundary()
	if err != nil {
		return err
	}
	body, err := multipartstream.File(pkg, boundary)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		body.Close()
		return err
	}
	req.Header.Set("Content-Type", multipartstream.ContentType(boundary))
	req.Header.Set("X-Auth-Token", token)

	_, _, err = s.do(req)
	return err
}

func (s *session) save(ctx context.Context, page, token string, pkg *artifact.Package, id int) (int, error) {
	form := url.Values{
		"session-token": {token},
		"lastTab":       {"General"},
		"lastSideTab":   {"null"},
		"lastSubTab":    {"null"},
		"lastSubTabSet": {"null"},
		"name":          {pkg.Name},
		"categoryID":    {s.category},
		"fileName":      {pkg.Filename},
		"action":        {"Save"},
	}
	header, err := s.postForm(ctx, page, form)
	if err != nil {
		return 0, err
	}

	// A created record redirects to its own page.
	if loc := header.Get("Location"); loc != "" {
		if u, err := url.Parse(loc); err == nil {
			if n, err := strconv.Atoi(u.Query().Get("id")); err == nil && n > 0 {
				return n, nil
			}
		}
	}
	if id < 0 {
		return 0, nil
	}
	return id, nil
}

func (s *session) postForm(ctx context.Context, target string, form url.Values) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, header, err := s.do(req)
	return header, err
}

// do sends req and treats any status outside 2xx and 3xx as a failure.
func (s *session) do(req *http.Request) ([]byte, http.Header, error) {
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, nil, &statusError{method: req.Method, path: req.URL.Path, status: resp.StatusCode}
	}
	return body, resp.Header, nil
}

func (e *Executor) pageURL(id int, op string) string {
	u := *e.base
	u.Path = strings.TrimRight(e.base.Path, "/") + PackagesPage
	u.RawQuery = url.Values{"id": {strconv.Itoa(id)}, "o": {op}}.Encode()
	return u.String()
}

// resolve makes ref absolute against the base URL, keeping its path prefix.
func (e *Executor) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return u.String()
	}
	out := *e.base
	out.Path = strings.TrimRight(e.base.Path, "/") + "/" + strings.TrimLeft(u.Path, "/")
	out.RawQuery = u.RawQuery
	return out.String()
}

// parseUploadForm finds the session-token hidden input and the element
// carrying data-upload-url.
func parseUploadForm(r io.Reader) (token, uploadURL string, err error) {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return "", "", z.Err()
			}
			if token == "" {
				return "", "", fmt.Errorf("page has no session-token input")
			}
			if uploadURL == "" {
				return "", "", fmt.Errorf("page has no upload URL")
			}
			return token, uploadURL, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			attrs := make(map[string]string, len(t.Attr))
			for _, a := range t.Attr {
				attrs[a.Key] = a.Val
			}
			if t.Data == "input" && attrs["name"] == "session-token" {
				token = attrs["value"]
			}
			if v, ok := attrs["data-upload-url"]; ok && v != "" {
				uploadURL = v
			}
		}
	}
}

type statusError struct {
	method string
	path   string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.method, e.path, e.status)
}

func stepError(step Step, pkg *artifact.Package, err error) error {
	e := pkgerrors.New("transfer.websession", pkgerrors.CodeTransfer, err).
		WithArtifact(pkg.Name).
		WithMessage(fmt.Sprintf("step %s", step))

	var se *statusError
	if errors.As(err, &se) {
		if api.IsAuthStatus(se.status) {
			e.Code = pkgerrors.CodeAuthentication
		}
		e = e.WithEndpoint(se.method, se.path).WithStatus(se.status)
	}
	return e
}
