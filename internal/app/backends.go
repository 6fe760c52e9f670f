package app

import (
	"context"
	"fmt"
	"time"

	"pollcat/internal/archive"
	"pollcat/internal/catalogue"
	"pollcat/internal/command"
	"pollcat/internal/config"
	"pollcat/internal/database"
	"pollcat/internal/directory"
	"pollcat/internal/fs"
	"pollcat/internal/osaccount"
	"pollcat/internal/pollcat"
	"pollcat/internal/scheduler"
	"pollcat/internal/secret"
	"pollcat/internal/topcat"
)

// Backends are the external systems a run talks to.
type Backends struct {
	Catalogue   pollcat.Catalogue
	Directory   pollcat.Directory
	Scheduler   pollcat.Scheduler
	Provisioner pollcat.Provisioner
	Filesystem  pollcat.Filesystem
	Requests    pollcat.RequestSource
	History     *database.SQLiteDatabase
	Archive     pollcat.ReportArchive
}

// NewBackendsFromConfig creates every backend selected by cfg.
// The caller owns the returned History and must close it.
func NewBackendsFromConfig(ctx context.Context, cfg *config.Config, logger pollcat.Logger) (*Backends, error) {
	b := &Backends{Filesystem: fs.NewOSFilesystem(0o755)}

	var err error
	if b.Provisioner, err = newProvisioner(cfg, logger); err != nil {
		return nil, fmt.Errorf("creating provisioner: %w", err)
	}
	if b.Scheduler, err = newScheduler(cfg.Scheduler, logger); err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	if b.Directory, err = newDirectory(cfg.Directory, b.Filesystem, b.Provisioner, logger); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	if b.Catalogue, err = newCatalogue(cfg.Catalogue, logger); err != nil {
		return nil, fmt.Errorf("creating catalogue: %w", err)
	}
	if b.Requests, err = newRequestSource(cfg, b.Catalogue, logger); err != nil {
		return nil, fmt.Errorf("creating request source: %w", err)
	}
	if b.Archive, err = archive.NewArchiveFromConfig(ctx, cfg.Archive); err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	if b.History, err = database.NewDatabaseFromConfig(cfg.Database); err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	return b, nil
}

func newProvisioner(cfg *config.Config, logger pollcat.Logger) (pollcat.Provisioner, error) {
	switch cfg.Provisioner.Type {
	case "shell":
		timeout, err := config.Duration(cfg.Provisioner.Timeout, 5*time.Minute)
		if err != nil {
			return nil, err
		}
		opts := osaccount.ShellOptions{Sudo: cfg.Provisioner.Sudo, DefaultGroup: cfg.DefaultGroup}
		return osaccount.NewShell(command.NewExecRunner(timeout), opts, logger), nil
	case "memory":
		return osaccount.NewMemoryProvisioner(cfg.DefaultGroup), nil
	default:
		return nil, fmt.Errorf("unknown provisioner type: %s", cfg.Provisioner.Type)
	}
}

func newScheduler(cfg config.SchedulerConfig, logger pollcat.Logger) (pollcat.Scheduler, error) {
	switch cfg.Type {
	case "lsf":
		timeout, err := config.Duration(cfg.Timeout, time.Minute)
		if err != nil {
			return nil, err
		}
		opts := scheduler.LSFOptions{
			ParentGroup: cfg.ParentGroup,
			BugroupPath: cfg.BugroupPath,
			BconfPath:   cfg.BconfPath,
		}
		return scheduler.NewLSF(command.NewExecRunner(timeout), opts, logger), nil
	case "memory":
		return scheduler.NewMemoryScheduler(cfg.ParentGroup), nil
	default:
		return nil, fmt.Errorf("unknown scheduler type: %s", cfg.Type)
	}
}

func newDirectory(cfg config.DirectoryConfig, fsys pollcat.Filesystem, provisioner pollcat.Provisioner, logger pollcat.Logger) (pollcat.Directory, error) {
	switch cfg.Type {
	case "ldap":
		timeout, err := config.Duration(cfg.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		password, err := bindPassword(cfg)
		if err != nil {
			return nil, err
		}
		return directory.NewLDAPDirectory(directory.LDAPOptions{
			URL:            cfg.URL,
			BindDN:         cfg.BindDN,
			BindPassword:   password,
			UserBaseDN:     cfg.UserBaseDN,
			GroupBaseDN:    cfg.GroupBaseDN,
			CounterDN:      cfg.CounterDN,
			AccountPrefix:  cfg.AccountPrefix,
			FedIDAttribute: cfg.FedIDAttribute,
			DefaultGID:     cfg.DefaultGID,
			HomeRoot:       cfg.HomeRoot,
			LoginShell:     cfg.LoginShell,
			Descriptions:   cfg.Descriptions,
			Timeout:        timeout,
			IDAttempts:     cfg.IDAttempts,
		}, fsys, provisioner, logger), nil
	case "memory":
		return directory.NewMemoryDirectory(cfg.AccountPrefix, cfg.FirstID, cfg.IDAttempts, logger), nil
	default:
		return nil, fmt.Errorf("unknown directory type: %s", cfg.Type)
	}
}

// bindPassword prefers an inline password and otherwise decrypts bind_password_file.
func bindPassword(cfg config.DirectoryConfig) (string, error) {
	if cfg.BindPassword != "" || cfg.BindPasswordFile == "" {
		return cfg.BindPassword, nil
	}
	box := secret.NewBox(cfg.IdentityPath)
	password, err := box.OpenFile(cfg.BindPasswordFile)
	if err != nil {
		return "", fmt.Errorf("reading directory bind password: %w", err)
	}
	return password, nil
}

func newCatalogue(cfg config.CatalogueConfig, logger pollcat.Logger) (pollcat.Catalogue, error) {
	switch cfg.Type {
	case "icat":
		timeout, err := config.Duration(cfg.Timeout, time.Minute)
		if err != nil {
			return nil, err
		}
		return catalogue.NewICAT(catalogue.ICATOptions{
			URL:        cfg.URL,
			AuthPlugin: cfg.AuthPlugin,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Timeout:    timeout,
		}, logger), nil
	case "memory":
		return catalogue.NewMemoryCatalogue(), nil
	default:
		return nil, fmt.Errorf("unknown catalogue type: %s", cfg.Type)
	}
}

// newRequestSource builds the request source. TopCAT authenticates with the
// catalogue's ICAT session, so it requires an ICAT catalogue.
func newRequestSource(cfg *config.Config, cat pollcat.Catalogue, logger pollcat.Logger) (pollcat.RequestSource, error) {
	switch cfg.Requests.Type {
	case "topcat":
		icat, ok := cat.(*catalogue.ICAT)
		if !ok {
			return nil, fmt.Errorf("topcat requests need an icat catalogue, got %T", cat)
		}
		timeout, err := config.Duration(cfg.Requests.Timeout, time.Minute)
		if err != nil {
			return nil, err
		}
		return topcat.NewClient(topcat.Options{
			TopCATURL:       cfg.Requests.TopCATURL,
			IDSURL:          cfg.Requests.IDSURL,
			ICATURL:         cfg.Catalogue.URL,
			Transport:       cfg.Requests.Transport,
			StatusChunkSize: cfg.Requests.StatusChunkSize,
			Timeout:         timeout,
		}, icat, logger), nil
	case "memory":
		return topcat.NewMemoryRequestSource(), nil
	default:
		return nil, fmt.Errorf("unknown requests type: %s", cfg.Requests.Type)
	}
}
