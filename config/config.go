// Package config assembles the configuration of a pkgdist run.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// command-line flags, then secrets from the environment. Secrets are never
// read from the file or from flags so they cannot leak through shell history
// or a committed config file.
//
// # Example file
//
//	url: https://fleet.example.com
//	username: api-uploader
//	package:
//	  path: build/Tool-2.0.pkg
//	metadata:
//	  category: Tools
//	  priority: 10
//	transfer:
//	  cloud: true
//	cloud:
//	  driver: minio
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/input-output-hk/catalyst-forge-pkgdist/auth"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/metadata"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer/fileshare"
)

// Environment variables holding secrets.
const (
	EnvPassword      = "PKGDIST_PASSWORD"
	EnvClientSecret  = "PKGDIST_CLIENT_SECRET"
	EnvSharePassword = "PKGDIST_SHARE_PASSWORD"
)

// Storage drivers for cloud mode.
const (
	DriverAWS   = "aws"
	DriverMinio = "minio"
)

// Output formats.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// Package locates the artifact.
type Package struct {
	Path string `yaml:"path"`

	// Name is the record name; defaults to Filename
	Name string `yaml:"name"`

	// Filename is the server filename; defaults to the base name of Path
	Filename string `yaml:"filename"`
}

// Transfer holds the mutually exclusive mode switches.
type Transfer struct {
	Legacy     bool `yaml:"legacy"`
	WebSession bool `yaml:"websession"`
	Cloud      bool `yaml:"cloud"`
	FileShare  bool `yaml:"fileshare"`
}

// Cloud configures direct object storage uploads.
type Cloud struct {
	Driver             string `yaml:"driver"`
	Endpoint           string `yaml:"endpoint"`
	Insecure           bool   `yaml:"insecure"`
	MultipartThreshold int64  `yaml:"multipart_threshold"`
	PartSize           int64  `yaml:"part_size"`
}

// WebSession configures the browser-style upload.
type WebSession struct {
	CategoryID string `yaml:"category_id"`
}

// Log configures logging.
type Log struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Config is the complete configuration of one run.
type Config struct {
	URL string `yaml:"url"`

	Username string      `yaml:"username"`
	Password auth.Secret `yaml:"-"`

	ClientID     string      `yaml:"client_id"`
	ClientSecret auth.Secret `yaml:"-"`

	Package  Package          `yaml:"package"`
	Metadata metadata.Desired `yaml:"metadata"`
	Replace  bool             `yaml:"replace"`

	Transfer   Transfer          `yaml:"transfer"`
	Shares     []fileshare.Share `yaml:"shares"`
	Cloud      Cloud             `yaml:"cloud"`
	WebSession WebSession        `yaml:"websession"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	TokenMargin     time.Duration `yaml:"token_margin"`
	Retries         int           `yaml:"retries"`

	Log             Log    `yaml:"log"`
	Output          string `yaml:"output"`
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Cloud: Cloud{
			Driver:             DriverAWS,
			MultipartThreshold: 100 << 20,
			PartSize:           8 << 20,
		},
		RequestTimeout:  60 * time.Second,
		TransferTimeout: time.Hour,
		TokenMargin:     60 * time.Second,
		Retries:         1,
		Log:             Log{Format: "text", Level: "info"},
		Output:          OutputText,
	}
}

// Load builds a Config from args. The file named by --config, if any, is read
// from fs. getenv supplies secrets.
func Load(fs billy.Filesystem, args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.loadFile(fs, path); err != nil {
			return nil, err
		}
	}

	flags := pflag.NewFlagSet("pkgdist", pflag.ContinueOnError)
	flags.String("config", path, "Path to a YAML configuration file.")
	var mode string
	cfg.BindFlags(flags)
	flags.StringVar(&mode, "mode", "", "Transfer mode: legacy, websession, cloud or fileshare. Overrides the file's transfer section.")
	if err := flags.Parse(args); err != nil {
		return nil, pkgerrors.New("config", pkgerrors.CodeInvalidConfig, err)
	}

	if mode != "" {
		m, err := transfer.ParseMode(mode)
		if err != nil {
			return nil, err
		}
		cfg.Transfer = Transfer{
			Legacy:     m == transfer.ModeLegacy,
			WebSession: m == transfer.ModeWebSession,
			Cloud:      m == transfer.ModeCloud,
			FileShare:  m == transfer.ModeFileShare,
		}
	}

	cfg.applyEnv(getenv)
	return cfg, nil
}

// configPath finds --config without failing on the other flags.
func configPath(args []string) (string, error) {
	pre := pflag.NewFlagSet("pkgdist", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	path := pre.String("config", "", "")
	pre.BoolP("help", "h", false, "")
	if err := pre.Parse(args); err != nil {
		return "", pkgerrors.New("config", pkgerrors.CodeInvalidConfig, err)
	}
	return *path, nil
}

func (c *Config) loadFile(fs billy.Filesystem, path string) error {
	data, err := util.ReadFile(fs, path)
	if err != nil {
		return pkgerrors.New("config", pkgerrors.CodeInvalidConfig, err).
			WithMessage(fmt.Sprintf("read %s", path))
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return pkgerrors.New("config", pkgerrors.CodeInvalidConfig, err).
			WithMessage(fmt.Sprintf("parse %s", path))
	}
	return nil
}

// BindFlags binds the command-line flags. Current values are the flag defaults,
// so flags override whatever the file set.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.URL, "url", c.URL,
		"Base URL of the fleet-management server.")
	fs.StringVar(&c.Username, "user", c.Username,
		"API user for basic-credential authentication. The password is read from "+EnvPassword+".")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID,
		"API client ID for client-credential authentication. The secret is read from "+EnvClientSecret+".")

	fs.StringVar(&c.Package.Path, "pkg", c.Package.Path,
		"Path to the package file to upload.")
	fs.StringVar(&c.Package.Name, "name", c.Package.Name,
		"Package record name. Defaults to the server filename.")
	fs.StringVar(&c.Package.Filename, "filename", c.Package.Filename,
		"Server filename. Defaults to the local file name.")
	fs.BoolVar(&c.Replace, "replace", c.Replace,
		"Replace an existing package record and stored object.")

	fs.StringVar(&c.Metadata.Category, "category", c.Metadata.Category,
		"Package category.")
	fs.StringVar(&c.Metadata.Info, "info", c.Metadata.Info,
		"Package info text.")
	fs.StringVar(&c.Metadata.Notes, "notes", c.Metadata.Notes,
		"Package notes.")
	fs.IntVar(&c.Metadata.Priority, "priority", c.Metadata.Priority,
		"Package install priority.")
	fs.BoolVar(&c.Metadata.RebootRequired, "reboot-required", c.Metadata.RebootRequired,
		"Mark the package as requiring a reboot.")
	fs.StringVar(&c.Metadata.OSRequirements, "os-requirements", c.Metadata.OSRequirements,
		"Comma-separated OS versions the package supports.")

	fs.StringVar(&c.Cloud.Driver, "storage-driver", c.Cloud.Driver,
		"Object storage client for cloud mode: aws or minio.")
	fs.StringVar(&c.Cloud.Endpoint, "storage-endpoint", c.Cloud.Endpoint,
		"Override the object storage endpoint.")
	fs.Int64Var(&c.Cloud.MultipartThreshold, "multipart-threshold", c.Cloud.MultipartThreshold,
		"Size in bytes above which cloud uploads use multipart.")
	fs.Int64Var(&c.Cloud.PartSize, "part-size", c.Cloud.PartSize,
		"Multipart part size in bytes.")
	fs.StringVar(&c.WebSession.CategoryID, "category-id", c.WebSession.CategoryID,
		"Category ID submitted with the web session save form.")

	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout,
		"Timeout of a single API request (duration string).")
	fs.DurationVar(&c.TransferTimeout, "transfer-timeout", c.TransferTimeout,
		"Timeout of a byte transfer (duration string).")
	fs.DurationVar(&c.TokenMargin, "token-margin", c.TokenMargin,
		"Refresh a token this long before it expires (duration string).")
	fs.IntVar(&c.Retries, "retries", c.Retries,
		"Retries of transient API failures. Byte transfers are never retried.")

	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format,
		"Log format: text or json.")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level,
		"Log level: debug, info, warn or error.")
	fs.StringVarP(&c.Output, "output", "o", c.Output,
		"Result format: text or json.")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", c.MetricsTextfile,
		"Write Prometheus metrics to this file after the run.")
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if v := getenv(EnvPassword); v != "" {
		c.Password = auth.Secret(v)
	}
	if v := getenv(EnvClientSecret); v != "" {
		c.ClientSecret = auth.Secret(v)
	}
	shared := getenv(EnvSharePassword)
	for i := range c.Shares {
		s := &c.Shares[i]
		switch {
		case s.PasswordEnv != "":
			if v := getenv(s.PasswordEnv); v != "" {
				s.Password = auth.Secret(v)
			}
		case shared != "" && s.Password.IsZero():
			s.Password = auth.Secret(shared)
		}
	}
}

// Credentials returns the configured credential shape.
//
//nolint:ireturn // the two shapes share an interface.
func (c *Config) Credentials() auth.Credentials {
	if c.ClientID != "" {
		return auth.ClientCredentials{ClientID: c.ClientID, ClientSecret: c.ClientSecret}
	}
	return auth.Basic{Username: c.Username, Password: c.Password}
}

// Flags returns the transfer selector input.
func (c *Config) Flags() transfer.Flags {
	return transfer.Flags{
		Legacy:     c.Transfer.Legacy,
		WebSession: c.Transfer.WebSession,
		Cloud:      c.Transfer.Cloud,
		FileShare:  c.Transfer.FileShare,
		Shares:     len(c.Shares),
	}
}

// Validate reports every problem with the configuration in one error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.URL == "" {
		add("url is required")
	} else if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" || u.Host == "" {
		add("url %q must be absolute", c.URL)
	}

	basic := c.Username != "" || !c.Password.IsZero()
	client := c.ClientID != "" || !c.ClientSecret.IsZero()
	switch {
	case basic && client:
		add("configure either username/password or client id/secret, not both")
	case basic && (c.Username == "" || c.Password.IsZero()):
		add("basic credentials need a username and %s", EnvPassword)
	case client && (c.ClientID == "" || c.ClientSecret.IsZero()):
		add("client credentials need a client id and %s", EnvClientSecret)
	case !basic && !client:
		add("credentials are required")
	}

	if c.Package.Path == "" {
		add("package path is required")
	}

	if _, err := transfer.Select(c.Flags()); err != nil {
		add("%v", unwrapMessage(err))
	}
	for i, s := range c.Shares {
		if s.URL == "" {
			add("share %d has no url", i)
		}
		if s.PasswordEnv != "" && s.Password.IsZero() {
			add("share %d: %s is not set", i, s.PasswordEnv)
		}
	}

	switch c.Cloud.Driver {
	case DriverAWS, DriverMinio:
	default:
		add("unknown storage driver %q", c.Cloud.Driver)
	}

	if c.RequestTimeout <= 0 || c.TransferTimeout <= 0 {
		add("timeouts must be positive")
	}
	if c.TokenMargin < 0 {
		add("token margin cannot be negative")
	}
	if c.Retries < 0 {
		add("retries cannot be negative")
	}

	if _, err := c.LogLevel(); err != nil {
		add("%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("unknown log format %q", c.Log.Format)
	}
	if c.Output != OutputText && c.Output != OutputJSON {
		add("unknown output format %q", c.Output)
	}

	if len(problems) > 0 {
		return pkgerrors.New("config", pkgerrors.CodeInvalidConfig, nil).
			WithMessage("configuration validation failed: " + strings.Join(problems, "; "))
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return level, nil
}

func unwrapMessage(err error) string {
	var e *pkgerrors.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
