package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// File mirrors the command-line flags for YAML configuration files. Unset
// keys leave the flag defaults alone.
type File struct {
	Filter        *string  `yaml:"filter"`
	URLRex        *string  `yaml:"url_rex"`
	FilenameRex   *string  `yaml:"filename_rex"`
	RetryCount    *int     `yaml:"retry_count"`
	RetryInterval *float64 `yaml:"retry_interval"`
	FetchTimeout  *string  `yaml:"fetch_timeout"`

	Mbox string    `yaml:"mbox"`
	IMAP *IMAPFile `yaml:"imap"`

	Workers    *int    `yaml:"workers"`
	Output     *string `yaml:"output"`
	StateDir   *string `yaml:"state_dir"`
	DryRun     *bool   `yaml:"dry_run"`
	LogLevel   *string `yaml:"log_level"`
	LogDir     *string `yaml:"log_dir"`
	StatusAddr *string `yaml:"status_addr"`
}

type IMAPFile struct {
	Host               *string `yaml:"host"`
	Port               *int    `yaml:"port"`
	User               *string `yaml:"user"`
	Pass               *string `yaml:"pass"`
	TLS                *bool   `yaml:"tls"`
	InsecureSkipVerify *bool   `yaml:"insecure_skip_verify"`
	Mailbox            *string `yaml:"mailbox"`
}

// LoadFile reads and decodes a YAML configuration file. Unknown keys are
// rejected.
func LoadFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var file File
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return File{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return file, nil
}

func (f File) apply(flags *pflag.FlagSet) error {
	values := map[string]string{}
	str := func(name string, v *string) {
		if v != nil {
			values[name] = *v
		}
	}
	num := func(name string, v *int) {
		if v != nil {
			values[name] = strconv.Itoa(*v)
		}
	}
	boolean := func(name string, v *bool) {
		if v != nil {
			values[name] = strconv.FormatBool(*v)
		}
	}

	str("filter", f.Filter)
	str("url-rex", f.URLRex)
	str("filename-rex", f.FilenameRex)
	num("retry-count", f.RetryCount)
	if f.RetryInterval != nil {
		values["retry-interval"] = strconv.FormatFloat(*f.RetryInterval, 'f', -1, 64)
	}
	str("fetch-timeout", f.FetchTimeout)
	// a source chosen on the command line replaces the file's source
	if f.Mbox != "" && !changed(flags, "imap-host") {
		values["mbox"] = f.Mbox
	}
	if f.IMAP != nil && !changed(flags, "mbox") {
		str("imap-host", f.IMAP.Host)
		num("imap-port", f.IMAP.Port)
		str("imap-user", f.IMAP.User)
		str("imap-pass", f.IMAP.Pass)
		boolean("use-tls", f.IMAP.TLS)
		boolean("insecure-skip-verify", f.IMAP.InsecureSkipVerify)
		str("imap-mailbox", f.IMAP.Mailbox)
	}
	num("workers", f.Workers)
	str("output", f.Output)
	str("state-dir", f.StateDir)
	boolean("dry-run", f.DryRun)
	str("log-level", f.LogLevel)
	str("log-dir", f.LogDir)
	str("status-addr", f.StatusAddr)

	for name, value := range values {
		if err := setDefault(flags, name, value); err != nil {
			return err
		}
	}
	return nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	flag := flags.Lookup(name)
	return flag != nil && flag.Changed
}
