// Package transfer defines the four mutually exclusive ways a package's bytes
// reach server storage, and the selector that picks one per run.
//
// Executors live in sub-packages:
//
//   - legacy: one multipart POST to the unofficial upload endpoint
//   - websession: browser-style login, upload token, chunked upload, save form
//   - cloud: direct object-storage upload with server-issued credentials
//   - fileshare: plain file copy to one or more network shares
//
// Every executor reports an Outcome. A transfer error means a determinate
// failure; an Outcome with StatusAmbiguous means the server may or may not
// have stored the bytes.
package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
)

// Mode identifies a transfer mechanism.
type Mode string

const (
	ModeLegacy     Mode = "legacy"
	ModeWebSession Mode = "websession"
	ModeCloud      Mode = "cloud"
	ModeFileShare  Mode = "fileshare"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLegacy, ModeWebSession, ModeCloud, ModeFileShare:
		return m, nil
	default:
		return "", pkgerrors.New("select", pkgerrors.CodeInvalidConfig, nil).
			WithMessage(fmt.Sprintf("unknown transfer mode %q", s))
	}
}

// Flags are the explicit mode switches from configuration.
type Flags struct {
	Legacy     bool
	WebSession bool
	Cloud      bool
	FileShare  bool

	// Shares is the number of configured file shares
	Shares int
}

// Select picks the transfer mode. At most one flag may be set; none selects
// ModeLegacy. FileShare requires at least one configured share.
func Select(f Flags) (Mode, error) {
	var set []Mode
	if f.Legacy {
		set = append(set, ModeLegacy)
	}
	if f.WebSession {
		set = append(set, ModeWebSession)
	}
	if f.Cloud {
		set = append(set, ModeCloud)
	}
	if f.FileShare {
		set = append(set, ModeFileShare)
	}

	switch len(set) {
	case 0:
		return ModeLegacy, nil
	case 1:
	default:
		return "", pkgerrors.New("select", pkgerrors.CodeInvalidConfig, nil).
			WithMessage(fmt.Sprintf("transfer modes are mutually exclusive, got %v", set))
	}

	if set[0] == ModeFileShare && f.Shares == 0 {
		return "", pkgerrors.New("select", pkgerrors.CodeInvalidConfig, nil).
			WithMessage("file share mode needs at least one share")
	}
	return set[0], nil
}

// Status classifies a returned transfer.
type Status string

const (
	// StatusTransferred means the bytes were stored.
	StatusTransferred Status = "transferred"

	// StatusUnchanged means the bytes were already in place.
	StatusUnchanged Status = "unchanged"

	// StatusKept means storage holds different content under the same name
	// and it was left alone because replace was not requested. Nothing may
	// point a record at those bytes.
	StatusKept Status = "kept"

	// StatusAmbiguous means the bytes may or may not have been stored.
	StatusAmbiguous Status = "ambiguous"
)

// ShareStatus is the result of one file share copy.
type ShareStatus string

const (
	ShareCopied  ShareStatus = "copied"
	ShareSkipped ShareStatus = "skipped"
	ShareFailed  ShareStatus = "failed"
)

// ShareResult reports one share of a file share fan-out.
type ShareResult struct {
	Share  string      `json:"share"`
	Status ShareStatus `json:"status"`
	Bytes  int64       `json:"bytes,omitempty"`
	Err    error       `json:"-"`
	Error  string      `json:"error,omitempty"`
}

// Outcome is what an executor returns when it did not fail determinately.
type Outcome struct {
	Status Status

	// ObjectID is the package record ID, if the transfer reported one
	ObjectID int

	// RecordWritten is set when the transfer path itself writes a package
	// record, which must then be re-resolved before reconciliation
	RecordWritten bool

	// Bytes is the number of bytes moved
	Bytes int64

	// Shares lists per-share results for file share transfers
	Shares []ShareResult

	// Detail is a human-readable note for the operator
	Detail string
}

// Executor moves an artifact's bytes to storage.
type Executor interface {
	// Mode returns the mechanism this executor implements.
	Mode() Mode

	// Transfer moves pkg to storage. existing is the resolved record, if any.
	Transfer(ctx context.Context, pkg *artifact.Package, existing *resolver.Record, replace bool) (*Outcome, error)
}
