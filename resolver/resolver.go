// Package resolver looks up existing package records on the server by name.
//
// Absence of a record is the common case and is not an error: Find returns
// nil, nil. Names are matched exactly but case-insensitively. The server does
// not guarantee name uniqueness; when several records share a name the first
// one in listing order is returned and a warning is logged.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
)

// PackagesPath is the package listing endpoint.
const PackagesPath = "/api/v1/packages"

// DefaultPageSize is the number of records requested per listing page.
const DefaultPageSize = 100

// Record is an existing package record as reported by the server.
type Record struct {
	ID                int
	Name              string
	Filename          string
	Checksum          string
	Category          string
	Info              string
	Notes             string
	Priority          int
	RebootRequired    bool
	FillUserTemplate  bool
	FillExistingUsers bool
	OSRequirements    string
}

// Doer performs API calls. *api.Client implements it.
type Doer interface {
	Do(ctx context.Context, op string, req api.Request) (*api.Response, error)
}

// Resolver finds package records.
type Resolver struct {
	api      Doer
	logger   *slog.Logger
	pageSize int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPageSize sets the listing page size.
func WithPageSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// New creates a Resolver.
func New(client Doer, opts ...Option) *Resolver {
	r := &Resolver{
		api:      client,
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// packageJSON is the listing representation of a package.
type packageJSON struct {
	ID                string `json:"id"`
	PackageName       string `json:"packageName"`
	FileName          string `json:"fileName"`
	CategoryID        string `json:"categoryId"`
	Info              string `json:"info"`
	Notes             string `json:"notes"`
	Priority          int    `json:"priority"`
	RebootRequired    bool   `json:"rebootRequired"`
	FillUserTemplate  bool   `json:"fillUserTemplate"`
	FillExistingUsers bool   `json:"fillExistingUsers"`
	OSRequirements    string `json:"osRequirements"`
	MD5               string `json:"md5"`
	HashType          string `json:"hashType"`
	HashValue         string `json:"hashValue"`
}

type listing struct {
	TotalCount int           `json:"totalCount"`
	Results    []packageJSON `json:"results"`
}

// Find returns the record whose name equals name ignoring case, or nil if
// there is none.
func (r *Resolver) Find(ctx context.Context, name string) (*Record, error) {
	if name == "" {
		return nil, pkgerrors.New("find", pkgerrors.CodeInvalidInput, nil).
			WithMessage("name cannot be empty")
	}

	var matches []packageJSON
	seen := 0
	for page := 0; ; page++ {
		query := url.Values{
			"page":      {strconv.Itoa(page)},
			"page-size": {strconv.Itoa(r.pageSize)},
			"sort":      {"id:asc"},
			"filter":    {fmt.Sprintf("packageName==%q", name)},
		}
		resp, err := r.api.Do(ctx, "find", api.Request{
			Method: http.MethodGet,
			Path:   PackagesPath,
			Query:  query,
		})
		if err != nil {
			return nil, withArtifact(err, name)
		}

		var l listing
		if err := resp.JSON(&l); err != nil {
			return nil, pkgerrors.New("find", pkgerrors.CodeInvalidInput, err).
				WithEndpoint(http.MethodGet, PackagesPath).
				WithArtifact(name).
				WithMessage("decode package listing")
		}

		for _, p := range l.Results {
			if strings.EqualFold(p.PackageName, name) {
				matches = append(matches, p)
			}
		}

		seen += len(l.Results)
		if len(l.Results) == 0 || seen >= l.TotalCount {
			break
		}
	}

	if len(matches) == 0 {
		r.logger.Debug("no existing package record", "name", name)
		return nil, nil
	}
	if len(matches) > 1 {
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		r.logger.Warn("multiple package records share a name, using the first",
			"name", name,
			"ids", ids,
		)
	}

	rec, err := matches[0].record()
	if err != nil {
		return nil, pkgerrors.New("find", pkgerrors.CodeInvalidInput, err).
			WithEndpoint(http.MethodGet, PackagesPath).
			WithArtifact(name)
	}
	r.logger.Debug("found existing package record", "name", name, "id", rec.ID)
	return rec, nil
}

// FindByID returns the record with the given ID, or nil if it does not exist.
func (r *Resolver) FindByID(ctx context.Context, id int) (*Record, error) {
	path := fmt.Sprintf("%s/%d", PackagesPath, id)
	resp, err := r.api.Do(ctx, "find", api.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var p packageJSON
	if err := resp.JSON(&p); err != nil {
		return nil, pkgerrors.New("find", pkgerrors.CodeInvalidInput, err).
			WithEndpoint(http.MethodGet, path).
			WithMessage("decode package")
	}
	rec, err := p.record()
	if err != nil {
		return nil, pkgerrors.New("find", pkgerrors.CodeInvalidInput, err).
			WithEndpoint(http.MethodGet, path)
	}
	return rec, nil
}

func (p packageJSON) record() (*Record, error) {
	id, err := strconv.Atoi(p.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid package id %q: %w", p.ID, err)
	}

	// Older servers report md5; newer ones report hashType/hashValue.
	checksum := p.MD5
	if checksum == "" {
		checksum = p.HashValue
	}

	return &Record{
		ID:                id,
		Name:              p.PackageName,
		Filename:          p.FileName,
		Checksum:          checksum,
		Category:          p.CategoryID,
		Info:              p.Info,
		Notes:             p.Notes,
		Priority:          p.Priority,
		RebootRequired:    p.RebootRequired,
		FillUserTemplate:  p.FillUserTemplate,
		FillExistingUsers: p.FillExistingUsers,
		OSRequirements:    p.OSRequirements,
	}, nil
}

func withArtifact(err error, name string) error {
	var e *pkgerrors.Error
	if errors.As(err, &e) {
		e.WithArtifact(name)
	}
	return err
}
