// Package upload runs one package upload end to end: authenticate, look for
// an existing record, pick a transfer mode, move the bytes, and reconcile the
// package record.
//
// A run is a small state machine:
//
//	Idle → Authenticated → Resolved → TargetSelected → Transferred → Reconciled → Done
//
// Any determinate error moves it to Failed. An ambiguous transfer ends in
// AmbiguousDone after reconciliation has been attempted. An existing record
// without replace ends the run at Resolved with skipped-no-replace, before any
// transfer or reconciliation call. A transfer that finds different bytes
// already stored under the name and leaves them alone ends the same way,
// without reconciliation.
//
// Cancellation is honored between steps only. A transfer that has started
// runs to completion or to its own timeout, because aborting it could leave a
// partial upload nobody can detect.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	"github.com/input-output-hk/catalyst-forge-pkgdist/auth"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/metadata"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
)

// DefaultTransferTimeout bounds a single byte transfer.
const DefaultTransferTimeout = time.Hour

// TokenSource supplies the run's bearer token. *auth.Session implements it.
type TokenSource interface {
	Token(ctx context.Context) (*auth.Token, error)
}

// Finder looks up package records. *resolver.Resolver implements it.
type Finder interface {
	Find(ctx context.Context, name string) (*resolver.Record, error)
	FindByID(ctx context.Context, id int) (*resolver.Record, error)
}

// Reconciler writes package records. *metadata.Reconciler implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, name string, existing *resolver.Record, desired metadata.Desired) (int, error)
}

// Recorder receives per-run measurements. A nil Recorder is ignored.
type Recorder interface {
	ObserveRun(mode transfer.Mode, outcome string, duration time.Duration, bytes int64)
}

// Request describes one upload.
type Request struct {
	Package  *artifact.Package
	Metadata metadata.Desired

	// Replace allows overwriting an existing record and stored object
	Replace bool

	// Flags select the transfer mode
	Flags transfer.Flags
}

// Orchestrator runs uploads.
type Orchestrator struct {
	tokens          TokenSource
	finder          Finder
	reconciler      Reconciler
	executors       map[transfer.Mode]transfer.Executor
	recorder        Recorder
	logger          *slog.Logger
	transferTimeout time.Duration
	now             func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithTransferTimeout bounds each byte transfer.
func WithTransferTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.transferTimeout = d
		}
	}
}

// WithClock overrides time.Now for durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator. executors holds at most one executor per mode.
func New(tokens TokenSource, finder Finder, reconciler Reconciler, executors []transfer.Executor, opts ...Option) (*Orchestrator, error) {
	if tokens == nil || finder == nil || reconciler == nil {
		return nil, pkgerrors.New("upload", pkgerrors.CodeInvalidConfig, nil).
			WithMessage("token source, finder and reconciler are required")
	}

	o := &Orchestrator{
		tokens:          tokens,
		finder:          finder,
		reconciler:      reconciler,
		executors:       make(map[transfer.Mode]transfer.Executor, len(executors)),
		logger:          slog.Default(),
		transferTimeout: DefaultTransferTimeout,
		now:             time.Now,
	}
	for _, e := range executors {
		if _, dup := o.executors[e.Mode()]; dup {
			return nil, pkgerrors.New("upload", pkgerrors.CodeInvalidConfig, nil).
				WithMessage(fmt.Sprintf("more than one executor for mode %s", e.Mode()))
		}
		o.executors[e.Mode()] = e
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run carries the state of one Run call.
type run struct {
	req      Request
	result   *Result
	logger   *slog.Logger
	existing *resolver.Record
}

// Run performs one upload. The returned Result is never nil. The error is
// non-nil when the run failed or the package record could not be written;
// an ambiguous transfer is not an error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := o.now()
	r := &run{
		req:    req,
		result: &Result{RunID: uuid.NewString(), States: []State{StateIdle}},
	}
	r.logger = o.logger.With("run_id", r.result.RunID)

	err := o.execute(ctx, r)
	if err != nil {
		r.result.Code = pkgerrors.CodeOf(err)
		if r.result.Outcome == "" {
			r.result.Outcome = OutcomeFailed
			r.result.Diagnostic = err.Error()
			r.result.enter(StateFailed)
		}
	}
	r.result.Duration = o.now().Sub(start)

	if o.recorder != nil {
		o.recorder.ObserveRun(r.result.Mode, string(r.result.Outcome), r.result.Duration, r.result.Bytes)
	}

	attrs := []any{
		"outcome", r.result.Outcome,
		"object_id", r.result.ObjectID,
		"changed", r.result.Changed,
		"mode", r.result.Mode,
		"duration", r.result.Duration,
	}
	switch {
	case err != nil:
		r.logger.Error("upload failed", append(attrs, "error", err)...)
	case r.result.Outcome == OutcomeAmbiguous:
		r.logger.Warn("upload outcome ambiguous, verify on the next run", attrs...)
	default:
		r.logger.Info("upload finished", attrs...)
	}
	return r.result, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	pkg := r.req.Package
	if pkg == nil {
		return pkgerrors.New("upload", pkgerrors.CodeInvalidInput, nil).WithMessage("no package to upload")
	}
	r.logger = r.logger.With("artifact", pkg.Name)
	res := r.result

	// Idle → Authenticated
	if err := checkpoint(ctx, StateAuthenticated); err != nil {
		return err
	}
	if _, err := o.tokens.Token(ctx); err != nil {
		return err
	}
	o.transition(r, StateAuthenticated)

	// Authenticated → Resolved
	if err := checkpoint(ctx, StateResolved); err != nil {
		return err
	}
	existing, err := o.finder.Find(ctx, pkg.Name)
	if err != nil {
		return err
	}
	r.existing = existing
	o.transition(r, StateResolved, "existing", existing != nil)

	if existing != nil && !r.req.Replace {
		res.Outcome = OutcomeSkippedNoReplace
		res.ObjectID = existing.ID
		res.Diagnostic = fmt.Sprintf("package %q exists as record %d and replace was not requested", pkg.Name, existing.ID)
		if existing.Checksum != "" && !pkg.MatchesChecksum(existing.Checksum) {
			res.Diagnostic += fmt.Sprintf("; the record's checksum %s differs from the local artifact", existing.Checksum)
			r.logger.Warn("existing record describes different content", "id", existing.ID, "record_checksum", existing.Checksum, "md5", pkg.MD5)
		}
		o.transition(r, StateDone)
		return nil
	}

	// Resolved → TargetSelected
	mode, err := transfer.Select(r.req.Flags)
	if err != nil {
		return err
	}
	executor, ok := o.executors[mode]
	if !ok {
		return pkgerrors.New("select", pkgerrors.CodeInvalidConfig, nil).
			WithMessage(fmt.Sprintf("transfer mode %s is not configured", mode))
	}
	res.Mode = mode
	o.transition(r, StateTargetSelected, "mode", mode)

	// TargetSelected → Transferred
	if err := checkpoint(ctx, StateTransferred); err != nil {
		return err
	}
	out, err := o.transfer(ctx, executor, r)
	if out != nil {
		res.Shares = out.Shares
		res.Bytes = out.Bytes
	}
	if err != nil {
		return err
	}
	o.transition(r, StateTransferred, "status", out.Status)

	// Storage kept different bytes under this name; writing a record now
	// would point it at content that is not the local artifact.
	if out.Status == transfer.StatusKept {
		res.Outcome = OutcomeSkippedNoReplace
		res.Diagnostic = out.Detail
		if existing != nil {
			res.ObjectID = existing.ID
		}
		o.transition(r, StateDone)
		return nil
	}

	ambiguous := out.Status == transfer.StatusAmbiguous
	switch {
	case ambiguous:
		res.Outcome = OutcomeAmbiguous
		res.Code = pkgerrors.CodeAmbiguous
		res.Diagnostic = "the transfer may or may not have stored the package; the server gave no definite answer"
	case out.Status == transfer.StatusUnchanged:
		res.Outcome = OutcomeSkippedUnchanged
		res.Diagnostic = out.Detail
	case existing == nil:
		res.Outcome = OutcomeCreated
		res.Changed = true
	default:
		res.Outcome = OutcomeReplaced
		res.Changed = true
	}
	if res.Diagnostic == "" {
		res.Diagnostic = out.Detail
	}
	if existing != nil {
		res.ObjectID = existing.ID
	}

	// Transferred → Reconciled. A failure from here on leaves the outcome as
	// classified above and is reported as a metadata error.
	if err := o.reconcile(ctx, r, out); err != nil {
		res.MetadataError = err.Error()
		if ambiguous {
			o.transition(r, StateAmbiguousDone)
			return nil
		}
		o.transition(r, StateFailed)
		return err
	}

	if ambiguous {
		o.transition(r, StateAmbiguousDone)
		return nil
	}
	o.transition(r, StateReconciled, "object_id", res.ObjectID)
	o.transition(r, StateDone)
	return nil
}

// transfer runs the executor detached from ctx's cancellation and bounded by
// the transfer timeout.
func (o *Orchestrator) transfer(ctx context.Context, executor transfer.Executor, r *run) (*transfer.Outcome, error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.transferTimeout)
	defer cancel()

	r.logger.Info("transferring package",
		"mode", executor.Mode(),
		"replace", r.req.Replace,
		"size", r.req.Package.Size,
	)
	return executor.Transfer(tctx, r.req.Package, r.existing, r.req.Replace)
}

// reconcile re-resolves the record if the transfer may have written one, then
// creates or updates it.
func (o *Orchestrator) reconcile(ctx context.Context, r *run, out *transfer.Outcome) error {
	name := r.req.Package.Name
	if err := checkpoint(ctx, StateReconciled); err != nil {
		return pkgerrors.New("reconcile", pkgerrors.CodeMetadata, err).WithArtifact(name)
	}

	record := r.existing
	if out.RecordWritten || out.Status == transfer.StatusAmbiguous {
		var err error
		record, err = o.reresolve(ctx, name, out.ObjectID)
		if err != nil {
			return pkgerrors.New("reconcile", pkgerrors.CodeMetadata, err).
				WithArtifact(name).
				WithStatus(pkgerrors.StatusOf(err)).
				WithMessage("re-resolve package record")
		}
	}

	desired := r.req.Metadata
	if desired.Filename == "" {
		desired.Filename = r.req.Package.Filename
	}
	id, err := o.reconciler.Reconcile(ctx, name, record, desired)
	if err != nil {
		return err
	}
	r.result.ObjectID = id
	return nil
}

func (o *Orchestrator) reresolve(ctx context.Context, name string, id int) (*resolver.Record, error) {
	if id != 0 {
		rec, err := o.finder.FindByID(ctx, id)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return o.finder.Find(ctx, name)
}

func (o *Orchestrator) transition(r *run, s State, attrs ...any) {
	r.result.enter(s)
	r.logger.Debug("state "+string(s), attrs...)
}

// checkpoint reports a cancelled context before entering next.
func checkpoint(ctx context.Context, next State) error {
	if err := ctx.Err(); err != nil {
		code := pkgerrors.CodeUnknown
		if errors.Is(err, context.DeadlineExceeded) {
			code = pkgerrors.CodeTimeout
		}
		return pkgerrors.New("upload", code, err).WithMessage(fmt.Sprintf("cancelled before %s", next))
	}
	return nil
}
