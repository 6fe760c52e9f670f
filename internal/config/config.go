package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for pollcat.
type Config struct {
	Strategy        string `toml:"strategy"` // "visit" (default) or "globus"
	BaseDir         string `toml:"base_dir"`
	LogDir          string `toml:"log_dir"`
	LogLevel        string `toml:"log_level"`     // debug, info (default), warn or error
	PollInterval    string `toml:"poll_interval"` // Go duration, e.g. "1m"
	SourceRoot      string `toml:"source_root"`
	DestinationRoot string `toml:"destination_root"`
	Anchor          string `toml:"anchor"`
	DefaultUser     string `toml:"default_user"`
	DefaultGroup    string `toml:"default_group"`

	// LocationChunkSize bounds the number of datafile ids per catalogue query.
	LocationChunkSize int `toml:"location_chunk_size,omitempty"`

	Directory   DirectoryConfig   `toml:"directory"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Provisioner ProvisionerConfig `toml:"provisioner"`
	Catalogue   CatalogueConfig   `toml:"catalogue"`
	Requests    RequestsConfig    `toml:"requests"`
	Database    DatabaseConfig    `toml:"database"`
	Archive     ArchiveConfig     `toml:"archive"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// DirectoryConfig selects the identity directory.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DirectoryConfig struct {
	Type          string `toml:"type"` // "ldap" or "memory"
	AccountPrefix string `toml:"account_prefix"`
	IDAttempts    int    `toml:"id_attempts,omitempty"`

	// LDAP-specific fields (only used when Type == "ldap")
	URL              string   `toml:"url,omitempty"`
	BindDN           string   `toml:"bind_dn,omitempty"`
	BindPassword     string   `toml:"bind_password,omitempty"`
	BindPasswordFile string   `toml:"bind_password_file,omitempty"` // age-encrypted
	IdentityPath     string   `toml:"identity_path,omitempty"`
	UserBaseDN       string   `toml:"user_base_dn,omitempty"`
	GroupBaseDN      string   `toml:"group_base_dn,omitempty"`
	CounterDN        string   `toml:"counter_dn,omitempty"`
	FedIDAttribute   string   `toml:"fedid_attribute,omitempty"`
	DefaultGID       int64    `toml:"default_gid,omitempty"`
	HomeRoot         string   `toml:"home_root,omitempty"`
	LoginShell       string   `toml:"login_shell,omitempty"`
	Descriptions     []string `toml:"descriptions,omitempty"`
	Timeout          string   `toml:"timeout,omitempty"`

	// Memory-specific fields (only used when Type == "memory")
	FirstID int64 `toml:"first_id,omitempty"`
}

// SchedulerConfig selects the batch scheduler.
type SchedulerConfig struct {
	Type        string `toml:"type"` // "lsf" or "memory"
	ParentGroup string `toml:"parent_group"`
	GroupPrefix string `toml:"group_prefix"`
	BugroupPath string `toml:"bugroup_path,omitempty"`
	BconfPath   string `toml:"bconf_path,omitempty"`
	Timeout     string `toml:"timeout,omitempty"`
}

// ProvisionerConfig selects how local accounts and ownership are managed.
type ProvisionerConfig struct {
	Type    string `toml:"type"` // "shell" or "memory"
	Sudo    bool   `toml:"sudo,omitempty"`
	Timeout string `toml:"timeout,omitempty"`
}

// CatalogueConfig selects the data catalogue.
type CatalogueConfig struct {
	Type       string `toml:"type"` // "icat" or "memory"
	URL        string `toml:"url,omitempty"`
	Username   string `toml:"username,omitempty"`
	Password   string `toml:"password,omitempty"`
	AuthPlugin string `toml:"auth_plugin,omitempty"`
	Timeout    string `toml:"timeout,omitempty"`
}

// RequestsConfig selects where pending download requests come from.
type RequestsConfig struct {
	Type            string `toml:"type"` // "topcat" or "memory"
	TopCATURL       string `toml:"topcat_url,omitempty"`
	IDSURL          string `toml:"ids_url,omitempty"`
	Transport       string `toml:"transport,omitempty"`
	StatusChunkSize int    `toml:"status_chunk_size,omitempty"`
	Timeout         string `toml:"timeout,omitempty"`
}

// DatabaseConfig represents configuration for the run history database.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ArchiveConfig selects where run reports are archived.
type ArchiveConfig struct {
	Type string `toml:"type"` // "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3PathStyle bool   `toml:"s3_path_style,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// MetricsConfig configures the optional Prometheus endpoint. An empty ListenAddr disables it.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr,omitempty"`
}

// NewConfig creates a Config rooted at baseDir with the default backends selected.
// Site specific fields such as roots and URLs are left empty.
func NewConfig(baseDir string) *Config {
	return &Config{
		Strategy:     "visit",
		BaseDir:      baseDir,
		LogDir:       filepath.Join(baseDir, "log"),
		LogLevel:     "info",
		PollInterval: "1m",
		Anchor:       "dls",
		Directory: DirectoryConfig{
			Type:             "ldap",
			AccountPrefix:    "fac",
			IDAttempts:       5,
			FedIDAttribute:   "gecos",
			LoginShell:       "/bin/bash",
			IdentityPath:     filepath.Join(baseDir, "keys", "pollcat.key"),
			BindPasswordFile: filepath.Join(baseDir, "keys", "bind_password.age"),
			Timeout:          "30s",
		},
		Scheduler: SchedulerConfig{
			Type:        "lsf",
			ParentGroup: "diamond",
			GroupPrefix: "diag_",
			Timeout:     "1m",
		},
		Provisioner: ProvisionerConfig{Type: "shell", Timeout: "5m"},
		Catalogue:   CatalogueConfig{Type: "icat", AuthPlugin: "simple", Timeout: "1m"},
		Requests:    RequestsConfig{Type: "topcat", StatusChunkSize: 100, Timeout: "1m"},
		Database:    DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Archive:     ArchiveConfig{Type: "filesystem", FSRoot: filepath.Join(baseDir, "reports")},
	}
}

// Duration parses a duration field, returning def when the field is empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}

// Validate checks the tagged unions and the fields each selected backend requires.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	durations := []struct{ name, value string }{
		{"poll_interval", c.PollInterval},
		{"directory.timeout", c.Directory.Timeout},
		{"scheduler.timeout", c.Scheduler.Timeout},
		{"provisioner.timeout", c.Provisioner.Timeout},
		{"catalogue.timeout", c.Catalogue.Timeout},
		{"requests.timeout", c.Requests.Timeout},
	}
	for _, d := range durations {
		if _, err := Duration(d.value, 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	switch c.Strategy {
	case "", "visit":
		check(c.Anchor != "", "anchor is required for the visit strategy")
		check(c.DefaultUser != "", "default_user is required for the visit strategy")
	case "globus":
	default:
		errs = append(errs, fmt.Errorf("unknown strategy: %q", c.Strategy))
	}
	check(c.SourceRoot != "", "source_root is required")
	check(c.DestinationRoot != "", "destination_root is required")
	check(c.DefaultGroup != "", "default_group is required")
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level: %q", c.LogLevel))
	}

	switch c.Directory.Type {
	case "ldap":
		check(c.Directory.URL != "", "directory.url is required for type=ldap")
		check(c.Directory.UserBaseDN != "", "directory.user_base_dn is required for type=ldap")
		check(c.Directory.GroupBaseDN != "", "directory.group_base_dn is required for type=ldap")
		check(c.Directory.CounterDN != "", "directory.counter_dn is required for type=ldap")
		check(c.Directory.HomeRoot != "", "directory.home_root is required for type=ldap")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown directory type: %q", c.Directory.Type))
	}
	check(c.Directory.AccountPrefix != "", "directory.account_prefix is required")

	switch c.Scheduler.Type {
	case "lsf", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown scheduler type: %q", c.Scheduler.Type))
	}
	switch c.Provisioner.Type {
	case "shell", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown provisioner type: %q", c.Provisioner.Type))
	}

	switch c.Catalogue.Type {
	case "icat":
		check(c.Catalogue.URL != "", "catalogue.url is required for type=icat")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown catalogue type: %q", c.Catalogue.Type))
	}

	switch c.Requests.Type {
	case "topcat":
		check(c.Requests.TopCATURL != "", "requests.topcat_url is required for type=topcat")
		check(c.Requests.IDSURL != "", "requests.ids_url is required for type=topcat")
		check(c.Requests.Transport != "", "requests.transport is required for type=topcat")
		check(c.Catalogue.Type == "icat", "requests type=topcat needs catalogue type=icat for sessions")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown requests type: %q", c.Requests.Type))
	}

	switch c.Database.Type {
	case "sqlite":
		check(c.Database.DataDir != "", "database.data_dir is required for type=sqlite")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database type: %q", c.Database.Type))
	}

	switch c.Archive.Type {
	case "filesystem":
		check(c.Archive.FSRoot != "", "archive.fs_root is required for type=filesystem")
	case "s3":
		check(c.Archive.S3Bucket != "", "archive.s3_bucket is required for type=s3")
		check((c.Archive.S3AccessKey == "") == (c.Archive.S3SecretKey == ""),
			"archive.s3_access_key and archive.s3_secret_key must be set together")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown archive type: %q", c.Archive.Type))
	}

	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to path. The file may carry credentials, so it is
// created readable by the owner only.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
