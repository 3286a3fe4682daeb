// Package api provides the HTTP client used for every call against the
// fleet-management server API.
//
// The client injects the run's bearer token into each request and applies the
// single re-authentication rule: when the server answers 401 or 403, the token
// cache is cleared, a new token is exchanged once, and the request is retried
// once. If the retry fails too, the original error is returned.
//
// Two kinds of calls are supported:
//
//   - Do: ordinary API calls with a per-request timeout. Transient failures
//     (connection errors, 429, 5xx) are retried by go-retryablehttp.
//   - Transfer: byte-transfer calls. These are never retried and never follow
//     redirects, because whether the server stored the bytes must be judged by
//     the caller from the raw response.
//
// Thread Safety: all Client methods are safe for concurrent use.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/input-output-hk/catalyst-forge-pkgdist/auth"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
)

const (
	// DefaultRequestTimeout bounds a single API request.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultRetries is how many times a transient API failure is retried.
	DefaultRetries = 1

	// maxBodySize caps how much of a response body is kept in memory.
	maxBodySize = 16 << 20
)

// TokenSource supplies bearer tokens for a run. *auth.Session implements it.
type TokenSource interface {
	// Token returns a valid token, exchanging credentials if needed.
	Token(ctx context.Context) (*auth.Token, error)

	// Reset drops the cached token.
	Reset()
}

// Request describes one API call.
type Request struct {
	// Method is the HTTP method
	Method string

	// Path is the endpoint path relative to the server base URL
	Path string

	// Query holds optional query parameters
	Query url.Values

	// Body opens the request body. It is called again for every attempt,
	// so it must return a fresh reader each time. Nil means no body.
	Body func() (io.Reader, error)

	// ContentType is the request Content-Type (if Body is set)
	ContentType string

	// Accept is the Accept header; defaults to application/json
	Accept string

	// Header holds extra request headers
	Header http.Header
}

// Response is a fully read API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the response body as JSON into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// XML decodes the response body as XML into v.
func (r *Response) XML(v any) error {
	return xml.Unmarshal(r.Body, v)
}

// Client is an authenticated client for the server API.
type Client struct {
	base     *url.URL
	http     *retryablehttp.Client
	transfer *http.Client
	tokens   TokenSource
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger. It is also used by the retrying
// transport for its own messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetries sets how many times transient API failures are retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.http.RetryMax = n
		}
	}
}

// WithRetryWait sets the backoff bounds between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = minWait
		c.http.RetryWaitMax = maxWait
	}
}

// WithTimeout sets the per-request timeout for API calls.
// Transfers are bounded by their context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.HTTPClient.Timeout = d
		}
	}
}

// WithHTTPClient sets the underlying HTTP client. Its transport and cookie
// jar are shared by API calls and transfers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc == nil {
			return
		}
		api := *hc
		if api.Timeout == 0 {
			api.Timeout = c.http.HTTPClient.Timeout
		}
		c.http.HTTPClient = &api
		c.transfer.Transport = hc.Transport
		c.transfer.Jar = hc.Jar
	}
}

// New creates a client for the server at baseURL using tokens for bearer auth.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, pkgerrors.New("api", pkgerrors.CodeInvalidConfig, err).
			WithMessage(fmt.Sprintf("invalid base URL %q", baseURL))
	}
	if tokens == nil {
		return nil, pkgerrors.New("api", pkgerrors.CodeInvalidConfig, nil).
			WithMessage("token source cannot be nil")
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = DefaultRequestTimeout
	rc.RetryMax = DefaultRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	// Hand the final response back instead of a synthetic "giving up" error
	// so status mapping sees the real status.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		base:   base,
		http:   rc,
		tokens: tokens,
		logger: slog.Default(),
		transfer: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.Logger = c.logger

	return c, nil
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// URL resolves an endpoint path against the base URL, keeping any path
// prefix the base URL carries.
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Do performs an API call and maps non-2xx statuses to classified errors.
// The op names the calling operation in returned errors.
func (c *Client) Do(ctx context.Context, op string, req Request) (*Response, error) {
	send := func() (*Response, error) {
		return c.do(ctx, req)
	}

	resp, err := c.withReauth(ctx, send)
	if err != nil {
		return nil, transportError(op, req, err)
	}
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}
	return resp, StatusError(op, req.Method, req.Path, resp)
}

// Transfer performs a byte-transfer call. It is never retried for transient
// failures and never follows redirects. The raw response is returned for
// every status; only transport errors are returned as errors, unclassified,
// so the caller can tell a timeout from a refused connection.
func (c *Client) Transfer(ctx context.Context, req Request) (*Response, error) {
	send := func() (*Response, error) {
		return c.doTransfer(ctx, req)
	}
	return c.withReauth(ctx, send)
}

// withReauth runs send, and on 401/403 resets the token and runs it once more.
// The original response is kept when the retry does not succeed.
func (c *Client) withReauth(ctx context.Context, send func() (*Response, error)) (*Response, error) {
	resp, err := send()
	if err != nil || !IsAuthStatus(resp.Status) {
		return resp, err
	}

	c.logger.Info("authorization rejected, re-authenticating once", "status", resp.Status)
	c.tokens.Reset()

	retry, rerr := send()
	if rerr != nil {
		c.logger.Warn("retry after re-authentication failed", "error", rerr)
		return resp, nil
	}
	if IsAuthStatus(retry.Status) {
		return resp, nil
	}
	return retry, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var body any
	if req.Body != nil {
		body = retryablehttp.ReaderFunc(req.Body)
	}

	r, err := retryablehttp.NewRequestWithContext(ctx, req.Method, c.URL(req.Path, req.Query), body)
	if err != nil {
		return nil, err
	}
	c.prepare(r.Request, req, token)

	start := time.Now()
	resp, err := c.http.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("api call",
		"method", req.Method,
		"path", req.Path,
		"status", out.Status,
		"duration", time.Since(start),
	)
	return out, nil
}

func (c *Client) doTransfer(ctx context.Context, req Request) (*Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		if body, err = req.Body(); err != nil {
			return nil, err
		}
	}

	r, err := http.NewRequestWithContext(ctx, req.Method, c.URL(req.Path, req.Query), body)
	if err != nil {
		return nil, err
	}
	c.prepare(r, req, token)

	start := time.Now()
	resp, err := c.transfer.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("transfer call",
		"method", req.Method,
		"path", req.Path,
		"status", out.Status,
		"duration", time.Since(start),
	)
	return out, nil
}

func (c *Client) prepare(r *http.Request, req Request, token *auth.Token) {
	for k, vs := range req.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	accept := req.Accept
	if accept == "" {
		accept = "application/json"
	}
	r.Header.Set("Accept", accept)
	if req.ContentType != "" {
		r.Header.Set("Content-Type", req.ContentType)
	}
	r.Header.Set("Authorization", "Bearer "+token.Value.Reveal())
}

func readResponse(resp *http.Response) (*Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

// IsAuthStatus reports whether status is a rejection of the caller's
// credentials.
func IsAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// StatusError maps a non-2xx response to a classified error.
func StatusError(op, method, path string, resp *Response) error {
	var code pkgerrors.ErrorCode
	switch {
	case IsAuthStatus(resp.Status):
		code = pkgerrors.CodeAuthentication
	case resp.Status == http.StatusNotFound:
		code = pkgerrors.CodeNotFound
	case resp.Status == http.StatusRequestTimeout, resp.Status == http.StatusGatewayTimeout:
		code = pkgerrors.CodeTimeout
	case resp.Status == http.StatusTooManyRequests,
		resp.Status == http.StatusBadGateway,
		resp.Status == http.StatusServiceUnavailable:
		code = pkgerrors.CodeUnavailable
	case resp.Status >= 400 && resp.Status < 500:
		code = pkgerrors.CodeInvalidInput
	default:
		code = pkgerrors.CodeUnavailable
	}

	e := pkgerrors.New(op, code, nil).
		WithEndpoint(method, path).
		WithStatus(resp.Status)
	if msg := snippet(resp.Body); msg != "" {
		e = e.WithMessage(msg)
	} else {
		e = e.WithMessage(http.StatusText(resp.Status))
	}
	return e
}

// transportError classifies a failure where no usable response arrived.
func transportError(op string, req Request, err error) error {
	var pe *pkgerrors.Error
	if errors.As(err, &pe) {
		// token exchange failures are already classified
		return err
	}

	code := pkgerrors.CodeNetwork
	if IsTimeout(err) {
		code = pkgerrors.CodeTimeout
	}
	return pkgerrors.New(op, code, err).WithEndpoint(req.Method, req.Path)
}

// IsTimeout reports whether err is a client-side timeout or deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// snippetRunes caps the response excerpt kept in error messages.
const snippetRunes = 200

// snippet returns a short single-line excerpt of a response body for errors.
func snippet(body []byte) string {
	s := strings.Join(strings.Fields(string(bytes.TrimSpace(body))), " ")
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	r := []rune(s)
	return string(r[:snippetRunes]) + "..."
}
