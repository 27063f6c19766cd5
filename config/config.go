package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/shadowserver-mail/filter"
	"github.com/dhcgn/shadowserver-mail/pipeline"
)

const (
	DefaultFilter = `(BODY "dl.shadowserver.org" UNSEEN)`
	stdoutOutput  = "-"
)

// Config captures all options required to run the report collector.
type Config struct {
	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string

	Filter        string
	URLRex        string
	FilenameRex   string
	RetryCount    int
	RetryInterval time.Duration
	FetchTimeout  time.Duration

	Workers    int
	Output     string
	StateDir   string
	DryRun     bool
	LogLevel   string
	LogDir     string
	StatusAddr string
}

// UsesIMAP reports whether messages come from a live mailbox.
func (c Config) UsesIMAP() bool {
	return c.MboxPath == ""
}

// WritesStdout reports whether records go to standard output.
func (c Config) WritesStdout() bool {
	return c.Output == "" || c.Output == stdoutOutput
}

// PipelineConfig compiles the report patterns.
func (c Config) PipelineConfig() (pipeline.Config, error) {
	urlRex, err := regexp.Compile(c.URLRex)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("compile --url-rex: %w", err)
	}
	filenameRex, err := regexp.Compile(c.FilenameRex)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("compile --filename-rex: %w", err)
	}
	return pipeline.Config{
		URLPattern:      urlRex,
		FilenamePattern: filenameRex,
		RetryCount:      c.RetryCount,
		RetryInterval:   c.RetryInterval,
	}, nil
}

// RegisterFlags attaches all CLI flags of the collector to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	registerPipelineFlags(flags)
	flags.String("mbox", "", "Read messages from this .mbox file instead of an IMAP mailbox")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-mailbox", "INBOX", "IMAP mailbox to search for report mails")
	flags.String("filter", DefaultFilter, "IMAP SEARCH filter selecting report mails")
	flags.Int("workers", 1, "Messages processed concurrently")
	flags.String("state-dir", defaultStateDir, "Directory for processed-message state files")
	flags.Bool("dry-run", false, "Process messages without marking them seen or persisting state")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("status-addr", "", "Serve /healthz and /stats on this address (disabled when empty)")

	return nil
}

// RegisterParseFlags attaches the report handling flags used by commands that
// read single message files.
func RegisterParseFlags(cmd *cobra.Command) {
	registerPipelineFlags(cmd.Flags())
}

func registerPipelineFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Optional YAML file with settings; explicit flags take precedence")
	flags.String("url-rex", pipeline.DefaultURLPattern, "Regular expression matching report download URLs")
	flags.String("filename-rex", pipeline.DefaultFilenamePattern, "Regular expression with report_date and report_type groups for report filenames")
	flags.Int("retry-count", pipeline.DefaultRetryCount, "Retries after a failed report download")
	flags.Float64("retry-interval", pipeline.DefaultRetryInterval.Seconds(), "Seconds to wait between download retries")
	flags.Duration("fetch-timeout", 60*time.Second, "Timeout for a single report download")
	flags.String("output", stdoutOutput, "File receiving one JSON record per line (- for stdout)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
}

// LoadConfig converts the parsed Cobra flags, merged with the optional YAML
// file, into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	return load(cmd, true)
}

// LoadParseConfig is LoadConfig for commands registered with
// RegisterParseFlags. Source settings are left empty.
func LoadParseConfig(cmd *cobra.Command) (Config, error) {
	return load(cmd, false)
}

func load(cmd *cobra.Command, withSource bool) (Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := file.apply(flags); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{Workers: 1}
	g := getter{flags: flags}
	g.str("url-rex", &cfg.URLRex)
	g.str("filename-rex", &cfg.FilenameRex)
	g.num("retry-count", &cfg.RetryCount)
	g.seconds("retry-interval", &cfg.RetryInterval)
	g.duration("fetch-timeout", &cfg.FetchTimeout)
	g.str("output", &cfg.Output)
	g.str("log-level", &cfg.LogLevel)
	if withSource {
		g.str("mbox", &cfg.MboxPath)
		g.str("imap-host", &cfg.IMAPHost)
		g.num("imap-port", &cfg.IMAPPort)
		g.str("imap-user", &cfg.IMAPUser)
		g.str("imap-pass", &cfg.IMAPPass)
		g.boolean("use-tls", &cfg.UseTLS)
		g.boolean("insecure-skip-verify", &cfg.InsecureSkipVerify)
		g.str("imap-mailbox", &cfg.Mailbox)
		g.str("filter", &cfg.Filter)
		g.num("workers", &cfg.Workers)
		g.str("state-dir", &cfg.StateDir)
		g.boolean("dry-run", &cfg.DryRun)
		g.str("log-dir", &cfg.LogDir)
		g.str("status-addr", &cfg.StatusAddr)
	}
	if g.err != nil {
		return Config{}, g.err
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if withSource {
		if cfg.IMAPPass == "" {
			cfg.IMAPPass = os.Getenv("IMAP_PASS")
		}
		if cfg.StateDir == "" {
			cfg.StateDir, err = defaultStateDir()
			if err != nil {
				return Config{}, err
			}
		}
		cfg.StateDir = filepath.Clean(cfg.StateDir)

		if err := validateSource(cfg); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// getter reads flag values, keeping the first error.
type getter struct {
	flags *pflag.FlagSet
	err   error
}

func (g *getter) str(name string, dst *string) {
	if g.err == nil {
		*dst, g.err = g.flags.GetString(name)
	}
}

func (g *getter) num(name string, dst *int) {
	if g.err == nil {
		*dst, g.err = g.flags.GetInt(name)
	}
}

func (g *getter) boolean(name string, dst *bool) {
	if g.err == nil {
		*dst, g.err = g.flags.GetBool(name)
	}
}

func (g *getter) duration(name string, dst *time.Duration) {
	if g.err == nil {
		*dst, g.err = g.flags.GetDuration(name)
	}
}

func (g *getter) seconds(name string, dst *time.Duration) {
	if g.err != nil {
		return
	}
	seconds, err := g.flags.GetFloat64(name)
	if err != nil {
		g.err = err
		return
	}
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		g.err = fmt.Errorf("--%s must be a non-negative number of seconds", name)
		return
	}
	*dst = time.Duration(seconds * float64(time.Second))
}

func validateSource(cfg Config) error {
	if cfg.MboxPath != "" && cfg.IMAPHost != "" {
		return fmt.Errorf("--mbox and --imap-host are mutually exclusive")
	}
	if cfg.UsesIMAP() {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("either --mbox or --imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	if _, err := filter.Parse(cfg.Filter); err != nil {
		return fmt.Errorf("invalid --filter: %w", err)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	return nil
}

func validateConfig(cfg Config) error {
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	for _, group := range []string{"report_date", "report_type"} {
		if pcfg.FilenamePattern.SubexpIndex(group) < 0 {
			return fmt.Errorf("--filename-rex must define the named group %q", group)
		}
	}

	if cfg.RetryCount < 0 {
		return fmt.Errorf("--retry-count must not be negative")
	}
	if cfg.RetryInterval < 0 {
		return fmt.Errorf("--retry-interval must not be negative")
	}
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("--fetch-timeout must be positive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shadowserver-mail", "state"), nil
}

// setDefault assigns value to the flag unless the user set it explicitly.
func setDefault(flags *pflag.FlagSet, name, value string) error {
	flag := flags.Lookup(name)
	// commands without the flag ignore the setting
	if flag == nil || flag.Changed {
		return nil
	}
	if err := flag.Value.Set(value); err != nil {
		return fmt.Errorf("config file %s: %w", name, err)
	}
	return nil
}
