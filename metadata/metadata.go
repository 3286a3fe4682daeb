// Package metadata creates or updates the server-side package record.
//
// The record is written separately from the stored bytes because none of the
// transfer paths can carry metadata atomically. It always runs after the
// transfer has returned.
package metadata

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
)

// RecordPath is the record endpoint; the new-record ID is 0.
const RecordPath = "/JSSResource/packages/id/%d"

// DefaultRequiredProcessor is the server's "any processor" value.
const DefaultRequiredProcessor = "None"

// Desired holds the metadata fields the record should carry.
type Desired struct {
	Filename           string `yaml:"-"`
	Category           string `yaml:"category"`
	Info               string `yaml:"info"`
	Notes              string `yaml:"notes"`
	Priority           int    `yaml:"priority"`
	RebootRequired     bool   `yaml:"reboot_required"`
	FillUserTemplate   bool   `yaml:"fill_user_template"`
	FillExistingUsers  bool   `yaml:"fill_existing_users"`
	BootVolumeRequired bool   `yaml:"boot_volume_required"`
	OSRequirements     string `yaml:"os_requirements"`
	RequiredProcessor  string `yaml:"required_processor"`
	SendNotification   bool   `yaml:"send_notification"`
}

// packageXML is the record document. Field order is the server's.
type packageXML struct {
	XMLName            xml.Name `xml:"package"`
	ID                 int      `xml:"id,omitempty"`
	Name               string   `xml:"name"`
	Category           string   `xml:"category,omitempty"`
	Filename           string   `xml:"filename"`
	Info               string   `xml:"info"`
	Notes              string   `xml:"notes"`
	Priority           int      `xml:"priority"`
	RebootRequired     bool     `xml:"reboot_required"`
	FillUserTemplate   bool     `xml:"fill_user_template"`
	FillExistingUsers  bool     `xml:"fill_existing_users"`
	BootVolumeRequired bool     `xml:"boot_volume_required"`
	OSRequirements     string   `xml:"os_requirements"`
	RequiredProcessor  string   `xml:"required_processor"`
	SendNotification   bool     `xml:"send_notification"`
}

// Doer performs API calls. *api.Client implements it.
type Doer interface {
	Do(ctx context.Context, op string, req api.Request) (*api.Response, error)
}

// Reconciler writes package records.
type Reconciler struct {
	api    Doer
	logger *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Reconciler.
func New(client Doer, opts ...Option) *Reconciler {
	r := &Reconciler{api: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile creates the record named name when existing is nil, and updates
// existing otherwise. It returns the record ID reported by the server.
// Failures wrap ErrMetadataReconciliation and keep the HTTP status.
func (r *Reconciler) Reconcile(ctx context.Context, name string, existing *resolver.Record, desired Desired) (int, error) {
	id := 0
	method := http.MethodPost
	if existing != nil {
		id = existing.ID
		method = http.MethodPut
	}
	path := fmt.Sprintf(RecordPath, id)

	doc := packageXML{
		Name:               name,
		Category:           desired.Category,
		Filename:           desired.Filename,
		Info:               desired.Info,
		Notes:              desired.Notes,
		Priority:           desired.Priority,
		RebootRequired:     desired.RebootRequired,
		FillUserTemplate:   desired.FillUserTemplate,
		FillExistingUsers:  desired.FillExistingUsers,
		BootVolumeRequired: desired.BootVolumeRequired,
		OSRequirements:     desired.OSRequirements,
		RequiredProcessor:  desired.RequiredProcessor,
		SendNotification:   desired.SendNotification,
	}
	if doc.RequiredProcessor == "" {
		doc.RequiredProcessor = DefaultRequiredProcessor
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return 0, reconcileError(name, method, path, err)
	}

	resp, err := r.api.Do(ctx, "reconcile", api.Request{
		Method:      method,
		Path:        path,
		Accept:      "application/xml",
		ContentType: "application/xml",
		Body: func() (io.Reader, error) {
			return bytes.NewReader(body), nil
		},
	})
	if err != nil {
		return 0, reconcileError(name, method, path, err)
	}

	var out struct {
		ID int `xml:"id"`
	}
	if err := resp.XML(&out); err != nil || out.ID == 0 {
		if id != 0 {
			// Some servers answer updates with an empty body.
			out.ID = id
		} else {
			return 0, reconcileError(name, method, path, fmt.Errorf("response carries no record id"))
		}
	}

	r.logger.Info("package record reconciled",
		"name", name,
		"id", out.ID,
		"created", existing == nil,
	)
	return out.ID, nil
}

func reconcileError(name, method, path string, err error) error {
	return pkgerrors.New("reconcile", pkgerrors.CodeMetadata, err).
		WithArtifact(name).
		WithEndpoint(method, path).
		WithStatus(pkgerrors.StatusOf(err))
}
