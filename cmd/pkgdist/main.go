// Command pkgdist uploads a package to a fleet-management server and
// reconciles its package record.
//
// Exit codes: 0 when the package was created, replaced or skipped; 3 when the
// transfer outcome is ambiguous and must be checked by a later run; 1 on any
// failure, including a package record that could not be written.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
	"github.com/input-output-hk/catalyst-forge-pkgdist/auth"
	"github.com/input-output-hk/catalyst-forge-pkgdist/config"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/internal/hostfs"
	"github.com/input-output-hk/catalyst-forge-pkgdist/metadata"
	"github.com/input-output-hk/catalyst-forge-pkgdist/metrics"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer/cloud"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer/fileshare"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer/legacy"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer/websession"
	"github.com/input-output-hk/catalyst-forge-pkgdist/upload"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitAmbiguous = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	cfg, err := config.Load(hostfs.New(), args, getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	logger, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	res, err := runUpload(ctx, cfg, logger)
	if res != nil {
		if perr := printResult(stdout, cfg.Output, res); perr != nil {
			logger.Error("failed to print result", "error", perr)
		}
	}

	switch {
	case err != nil:
		if res == nil {
			fmt.Fprintln(stderr, "error:", err)
		}
		if hint := hintFor(err); hint != "" {
			fmt.Fprintln(stderr, "hint:", hint)
		}
		return exitFailure
	case res.Outcome == upload.OutcomeAmbiguous:
		return exitAmbiguous
	default:
		return exitOK
	}
}

// runUpload wires one run from cfg and executes it.
func runUpload(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*upload.Result, error) {
	pkg, err := artifact.Resolve(cfg.Package.Path,
		artifact.WithName(cfg.Package.Name),
		artifact.WithFilename(cfg.Package.Filename))
	if err != nil {
		return nil, err
	}

	session, err := auth.NewSession(cfg.URL, cfg.Credentials(),
		auth.WithLogger(logger),
		auth.WithSafetyMargin(cfg.TokenMargin))
	if err != nil {
		return nil, err
	}
	defer session.Invalidate(context.WithoutCancel(ctx))

	client, err := api.New(cfg.URL, session,
		api.WithLogger(logger),
		api.WithRetries(cfg.Retries),
		api.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return nil, err
	}

	mode, err := transfer.Select(cfg.Flags())
	if err != nil {
		return nil, err
	}
	executor, err := newExecutor(mode, cfg, client, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New(metrics.DefaultPrefix)
	orch, err := upload.New(session,
		resolver.New(client, resolver.WithLogger(logger)),
		metadata.New(client, metadata.WithLogger(logger)),
		[]transfer.Executor{executor},
		upload.WithLogger(logger),
		upload.WithRecorder(m),
		upload.WithTransferTimeout(cfg.TransferTimeout),
	)
	if err != nil {
		return nil, err
	}

	res, runErr := orch.Run(ctx, upload.Request{
		Package:  pkg,
		Metadata: cfg.Metadata,
		Replace:  cfg.Replace,
		Flags:    cfg.Flags(),
	})

	if cfg.MetricsTextfile != "" {
		if err := m.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn("failed to write metrics", "path", cfg.MetricsTextfile, "error", err)
		}
	}
	return res, runErr
}

//nolint:ireturn // one of four executor implementations.
func newExecutor(mode transfer.Mode, cfg *config.Config, client *api.Client, logger *slog.Logger) (transfer.Executor, error) {
	switch mode {
	case transfer.ModeWebSession:
		basic, _ := cfg.Credentials().(auth.Basic)
		return websession.New(cfg.URL, basic,
			websession.WithLogger(logger),
			websession.WithCategoryID(cfg.WebSession.CategoryID))
	case transfer.ModeCloud:
		return cloud.New(client, newDriver(cfg, logger), cloud.WithLogger(logger)), nil
	case transfer.ModeFileShare:
		return fileshare.New(cfg.Shares, fileshare.WithLogger(logger))
	default:
		return legacy.New(client, legacy.WithLogger(logger)), nil
	}
}

//nolint:ireturn // driver chosen by configuration.
func newDriver(cfg *config.Config, logger *slog.Logger) cloud.Driver {
	if cfg.Cloud.Driver == config.DriverMinio {
		return cloud.NewMinioDriver(
			cloud.WithMinioEndpoint(cfg.Cloud.Endpoint, cfg.Cloud.Insecure),
			cloud.WithMinioPartSize(cfg.Cloud.PartSize),
			cloud.WithMinioLogger(logger))
	}
	return cloud.NewAWSDriver(
		cloud.WithMultipartThreshold(cfg.Cloud.MultipartThreshold),
		cloud.WithPartSize(cfg.Cloud.PartSize),
		cloud.WithEndpoint(cfg.Cloud.Endpoint),
		cloud.WithDriverLogger(logger))
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// hintFor suggests what the operator can do about a failed run.
func hintFor(err error) string {
	switch {
	case pkgerrors.IsAuthentication(err):
		return "the server rejected the credentials; check the user and " + config.EnvPassword +
			", or the client ID and " + config.EnvClientSecret
	case pkgerrors.IsRetryable(err):
		return "the failure looks transient; running again is safe"
	default:
		return ""
	}
}

func printResult(w io.Writer, format string, res *upload.Result) error {
	if format == config.OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(w, "outcome:   %s\n", res.Outcome)
	if res.ObjectID != 0 {
		fmt.Fprintf(w, "object id: %d\n", res.ObjectID)
	}
	fmt.Fprintf(w, "changed:   %t\n", res.Changed)
	if res.Mode != "" {
		fmt.Fprintf(w, "mode:      %s\n", res.Mode)
	}
	for _, s := range res.Shares {
		line := fmt.Sprintf("share:     %s %s", s.Share, s.Status)
		if s.Error != "" {
			line += ": " + s.Error
		}
		fmt.Fprintln(w, line)
	}
	if res.Code != "" {
		fmt.Fprintf(w, "code:      %s\n", res.Code)
	}
	if res.Diagnostic != "" {
		fmt.Fprintf(w, "detail:    %s\n", res.Diagnostic)
	}
	if res.MetadataError != "" {
		fmt.Fprintf(w, "metadata:  %s\n", res.MetadataError)
	}
	_, err := fmt.Fprintf(w, "run id:    %s\n", res.RunID)
	return err
}
