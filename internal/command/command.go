// Package command runs external programs with captured output, extra
// environment, and optional retries. It is used to mount and unmount network
// shares.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result holds the output and exit status of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs external programs.
type Runner interface {
	// Run executes program with args and waits for it to exit.
	Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error)
}

// Options configures a single run.
type Options struct {
	// Env holds variables appended to the current environment
	Env map[string]string

	// MaxRetries is how many times a failed run is repeated
	MaxRetries int

	// RetryDelay is the pause between attempts
	RetryDelay time.Duration

	// Redact lists substrings replaced in error messages, such as passwords
	// embedded in arguments
	Redact []string
}

// Option modifies Options.
type Option func(*Options)

// WithEnvVar adds one environment variable.
func WithEnvVar(key, value string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[key] = value
	}
}

// WithRetry repeats a failed run up to maxRetries times.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

// WithRedaction hides secret from error messages.
func WithRedaction(secret string) Option {
	return func(o *Options) {
		if secret != "" {
			o.Redact = append(o.Redact, secret)
		}
	}
}

// Exec runs programs with os/exec.
type Exec struct{}

// New returns an os/exec backed Runner.
func New() *Exec {
	return &Exec{}
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error) {
	options := &Options{RetryDelay: time.Second}
	for _, opt := range opts {
		opt(options)
	}

	var (
		result *Result
		err    error
	)
	for attempt := 0; attempt <= options.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return result, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(options.RetryDelay):
			}
		}

		result, err = runOnce(ctx, program, args, options)
		if err == nil {
			return result, nil
		}
	}
	return result, err
}

func runOnce(ctx context.Context, program string, args []string, options *Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	if len(options.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range options.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return result, nil
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
	}

	msg := fmt.Sprintf("%s %s: %v: %s", program, strings.Join(args, " "), runErr, strings.TrimSpace(result.Stderr))
	for _, secret := range options.Redact {
		msg = strings.ReplaceAll(msg, secret, "[REDACTED]")
	}
	return result, errors.New(msg)
}
