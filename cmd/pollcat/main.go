package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pollcat/internal/app"
	"pollcat/internal/config"
	"pollcat/internal/pollcat"
	"pollcat/internal/secret"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates an App. The caller must defer app.Close().
func newApp(ctx context.Context) (*app.App, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "pollcat",
	Short:        "Deliver catalogue downloads to visit teams and users",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Fill in the site roots and service URLs, then run `pollcat config set-password`.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Strategy:      %s\n", cfg.Strategy)
		fmt.Printf("Source Root:   %s\n", cfg.SourceRoot)
		fmt.Printf("Dest Root:     %s\n", cfg.DestinationRoot)
		fmt.Printf("Poll Interval: %s\n", cfg.PollInterval)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Directory:     %s %s\n", cfg.Directory.Type, cfg.Directory.URL)
		fmt.Printf("Scheduler:     %s (parent %s, prefix %s)\n", cfg.Scheduler.Type, cfg.Scheduler.ParentGroup, cfg.Scheduler.GroupPrefix)
		fmt.Printf("Catalogue:     %s %s\n", cfg.Catalogue.Type, cfg.Catalogue.URL)
		fmt.Printf("Requests:      %s %s\n", cfg.Requests.Type, cfg.Requests.TopCATURL)
		fmt.Printf("Database:      %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Archive:       %s\n", cfg.Archive.Type)

		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nConfiguration is incomplete:\n%v\n", err)
		}
		return nil
	},
}

var configSetPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Store the directory bind password encrypted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Directory.IdentityPath == "" || cfg.Directory.BindPasswordFile == "" {
			return fmt.Errorf("directory.identity_path and directory.bind_password_file must be set")
		}

		box := secret.NewBox(cfg.Directory.IdentityPath)
		if !box.IsConfigured() {
			recipient, err := box.GenerateIdentity()
			if err != nil {
				return fmt.Errorf("generating identity: %w", err)
			}
			fmt.Printf("Generated identity %s (recipient %s)\n", cfg.Directory.IdentityPath, recipient)
		}

		password, err := promptPassword()
		if err != nil {
			return err
		}
		if err := box.SealFile(cfg.Directory.BindPasswordFile, password); err != nil {
			return fmt.Errorf("storing password: %w", err)
		}
		fmt.Printf("Bind password stored in %s\n", cfg.Directory.BindPasswordFile)
		return nil
	},
}

// promptPassword reads a password twice from the terminal without echo.
func promptPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("set-password needs an interactive terminal")
	}

	fmt.Print("Bind password: ")
	first, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	fmt.Print("Repeat: ")
	second, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(first) == 0 || string(first) != string(second) {
		return nil, fmt.Errorf("passwords are empty or do not match")
	}
	return first, nil
}

// reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Process one request now",
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID, _ := cmd.Flags().GetInt64("request-id")
		requester, _ := cmd.Flags().GetString("requester")
		preparedID, _ := cmd.Flags().GetString("prepared-id")
		downloadName, _ := cmd.Flags().GetString("download-name")
		files, _ := cmd.Flags().GetInt64Slice("files")
		if len(files) == 0 && preparedID == "" {
			return fmt.Errorf("either --files or --prepared-id is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Reconcile(ctx, &pollcat.Request{
			ID:           requestID,
			PreparedID:   preparedID,
			Requester:    requester,
			DownloadName: downloadName,
			FileIDs:      files,
		})
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		printReport(report)
		return nil
	},
}

func printReport(r *pollcat.Report) {
	fmt.Printf("Run %s (%s) for request %d by %s\n", r.RunID, r.Strategy, r.RequestID, r.Requester)
	fmt.Printf("Copied %d of %d file(s), %s; %d failed, %d skipped\n",
		r.FilesCopied, r.FilesRequested, humanize.Bytes(uint64(r.BytesCopied)), r.FilesFailed, r.FilesSkipped())
	for _, v := range r.Skips.VisitIDs() {
		fmt.Printf("  skipped visit %s: %s\n", v, r.Skips.Visits[v])
	}
	for _, id := range r.Skips.FileIDs() {
		fmt.Printf("  skipped file %d: %s\n", id, r.Skips.Files[id])
	}
	for _, w := range r.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		requestID, _ := cmd.Flags().GetInt64("request")
		backup, _ := cmd.Flags().GetString("backup")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if backup != "" {
			if err := a.BackupHistory(backup); err != nil {
				return err
			}
			fmt.Printf("History backed up to %s\n", backup)
			return nil
		}

		var runs []*pollcat.RunRecord
		if requestID != 0 {
			runs, err = a.RequestHistory(requestID)
		} else {
			runs, err = a.History(limit)
		}
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  #%-6d %-7s %s  %-8s %3d copied %3d failed %3d skipped  %8s  %s\n",
				r.RunID,
				r.RequestID,
				r.Strategy,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				r.FilesCopied,
				r.FilesFailed,
				r.FilesSkipped,
				humanize.Bytes(uint64(r.BytesCopied)),
				duration,
			)
		}
		return nil
	},
}

// report command
var reportCmd = &cobra.Command{
	Use:   "report RUN_ID",
	Short: "Show a run and its archived report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if asJSON {
			return a.Report(cmd.Context(), args[0], os.Stdout)
		}

		rec, skips, err := a.Run(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Run:       %s\n", rec.RunID)
		fmt.Printf("Request:   %d (%s)\n", rec.RequestID, rec.Requester)
		fmt.Printf("Strategy:  %s\n", rec.Strategy)
		fmt.Printf("Status:    %s\n", rec.Status)
		fmt.Printf("Started:   %s (%s)\n", rec.StartedAt.Local().Format(time.RFC3339), humanize.Time(rec.StartedAt))
		if rec.Error != "" {
			fmt.Printf("Error:     %s\n", rec.Error)
		}
		fmt.Printf("Copied:    %d (%s)\n", rec.FilesCopied, humanize.Bytes(uint64(rec.BytesCopied)))
		fmt.Printf("Failed:    %d\n", rec.FilesFailed)
		for _, s := range skips {
			fmt.Printf("Skipped %s %s: %s\n", s.Kind, s.Item, s.Reason)
		}
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll for pending requests and process them",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if once {
			n, err := a.PollOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Completed %d request(s)\n", n)
			return nil
		}

		if err := a.RunDaemon(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configSetPasswordCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Int64("request-id", 0, "Download request id to record the run against")
	reconcileCmd.Flags().String("requester", "", "Federal id of the user who asked for the data")
	reconcileCmd.Flags().String("prepared-id", "", "Prepared download id to fetch the file list from")
	reconcileCmd.Flags().String("download-name", "", "Download directory name (globus strategy)")
	reconcileCmd.Flags().Int64Slice("files", nil, "Datafile ids to deliver")
	_ = reconcileCmd.MarkFlagRequired("requester")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	historyCmd.Flags().Int64("request", 0, "Only show runs of this request")
	historyCmd.Flags().String("backup", "", "Write a copy of the history database to this path instead")
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().Bool("json", false, "Print the archived JSON report")
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("once", false, "Process pending requests once and exit")
}
