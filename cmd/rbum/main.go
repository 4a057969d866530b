// Package main is the entrypoint for the rBUM CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mpy-dev-ml/rbum/internal/backup"
	"github.com/mpy-dev-ml/rbum/internal/config"
	"github.com/mpy-dev-ml/rbum/internal/credentials"
	"github.com/mpy-dev-ml/rbum/internal/crypto"
	"github.com/mpy-dev-ml/rbum/internal/health"
	"github.com/mpy-dev-ml/rbum/internal/history"
	"github.com/mpy-dev-ml/rbum/internal/models"
	"github.com/mpy-dev-ml/rbum/internal/process"
	"github.com/mpy-dev-ml/rbum/internal/sandbox"
	"github.com/mpy-dev-ml/rbum/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app wires the services together for one command invocation.
type app struct {
	cfg     *config.Config
	dataDir string
	logger  zerolog.Logger

	restic  *backup.Restic
	store   *store.FileStore
	vault   *credentials.FileVault
	history *history.SQLiteStore
	runner  *backup.Runner
}

func newApp(configPath, logLevel string) (*app, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level := zerolog.WarnLevel
	if logLevel != "" {
		level, err = zerolog.ParseLevel(logLevel)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}

	executor := process.NewOSExecutor(logger)
	sb := sandbox.NewFileManager(logger)
	st, err := store.NewFileStore(dataDir, sb, logger)
	if err != nil {
		return nil, err
	}
	var vault *credentials.FileVault
	if hexKey := os.Getenv("RBUM_MASTER_KEY"); hexKey != "" {
		key, err := crypto.MasterKeyFromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("RBUM_MASTER_KEY: %w", err)
		}
		vault, err = credentials.NewFileVaultWithKey(dataDir, key, logger)
		if err != nil {
			return nil, err
		}
	} else {
		vault, err = credentials.NewFileVault(dataDir, logger)
		if err != nil {
			return nil, err
		}
	}
	hist, err := history.NewSQLiteStore(dataDir, logger)
	if err != nil {
		return nil, err
	}

	restic := backup.NewResticWithBinary(cfg.ResticBinary, executor, logger)

	return &app{
		cfg:     cfg,
		dataDir: dataDir,
		logger:  logger,
		restic:  restic,
		store:   st,
		vault:   vault,
		history: hist,
		runner:  backup.NewRunner(restic, st, vault, sb, hist, logger),
	}, nil
}

func (a *app) close() {
	a.store.WaitForRefreshes()
	if err := a.history.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing history store")
	}
}

// findRepository resolves a repository by ID or by name.
func (a *app) findRepository(ref string) (*models.Repository, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return a.store.Get(id)
	}

	repos, err := a.store.List()
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if repo.Name == ref {
			return repo, nil
		}
	}
	return nil, fmt.Errorf("no repository named %q", ref)
}

// resticConfig loads the credentials for a repository into a Config.
func (a *app) resticConfig(repo *models.Repository) (backup.Config, error) {
	creds, err := a.vault.Retrieve(repo.ID)
	if err != nil {
		return backup.Config{}, fmt.Errorf("retrieve credentials for %s: %w", repo.Name, err)
	}
	return backup.ConfigFromCredentials(creds), nil
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string
	var a *app

	rootCmd := &cobra.Command{
		Use:   "rbum",
		Short: "rBUM - restic backup manager",
		Long: `rBUM manages encrypted restic backup repositories: create or import
repositories, run and schedule backups, inspect snapshots, apply
retention, and restore files.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			var err error
			a, err = newApp(configPath, logLevel)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRepoCmd(&a),
		newBackupCmd(&a),
		newSnapshotsCmd(&a),
		newCheckCmd(&a),
		newStatsCmd(&a),
		newUnlockCmd(&a),
		newForgetCmd(&a),
		newRestoreCmd(&a),
		newHistoryCmd(&a),
		newCredentialsCmd(&a),
		newDoctorCmd(&a),
		newDaemonCmd(&a),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rBUM %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newRepoCmd(a **app) *cobra.Command {
	repoCmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage backup repositories",
	}
	repoCmd.AddCommand(
		newRepoAddCmd(a),
		newRepoImportCmd(a),
		newRepoListCmd(a),
		newRepoRemoveCmd(a),
	)
	return repoCmd
}

func newRepoAddCmd(a **app) *cobra.Command {
	var name, path string
	var generatePassword bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Initialize a new restic repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := obtainPassword(generatePassword)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("create repository directory: %w", err)
			}

			cfg := backup.Config{Repository: path, Password: password}
			if err := (*a).restic.Init(cmd.Context(), cfg); err != nil {
				return err
			}

			repo := models.NewRepository(name, path)
			if err := (*a).store.Save(repo); err != nil {
				var bmErr *store.BookmarkError
				if errors.As(err, &bmErr) {
					fmt.Printf("%s repository saved, but its bookmark could not be created: %v\n", yellow("warning:"), bmErr)
				} else {
					return err
				}
			}
			if err := (*a).vault.Store(models.NewRepositoryCredentials(repo.ID, password, path)); err != nil {
				return err
			}

			fmt.Printf("%s repository %q initialized at %s\n", green("ok:"), name, path)
			fmt.Printf("  ID: %s\n", repo.ID)
			if generatePassword {
				fmt.Printf("  Password: %s\n", password)
				fmt.Println("  Store this password safely; it cannot be recovered.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Repository name")
	cmd.Flags().StringVar(&path, "path", "", "Repository path")
	cmd.Flags().BoolVar(&generatePassword, "generate-password", false, "Generate a random repository password")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("path")

	return cmd
}

func newRepoImportCmd(a **app) *cobra.Command {
	var name, path string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an existing restic repository",
		Long: `Import an existing restic repository. The repository is checked with
the supplied password before anything is persisted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptPassword("Repository password: ")
			if err != nil {
				return err
			}

			// No credentials are stored yet, so this one check runs in
			// the argument-passing mode.
			result, err := (*a).restic.CheckWithPassword(cmd.Context(), path, password)
			if err != nil {
				return fmt.Errorf("repository check failed: %w", err)
			}
			if !result.OK() {
				return fmt.Errorf("repository check reported errors: %s", strings.Join(result.Errors, "; "))
			}

			repo := models.NewRepository(name, path)
			if err := (*a).store.Save(repo); err != nil {
				return err
			}
			if err := (*a).vault.Store(models.NewRepositoryCredentials(repo.ID, password, path)); err != nil {
				return err
			}

			fmt.Printf("%s repository %q imported from %s\n", green("ok:"), name, path)
			fmt.Printf("  ID: %s\n", repo.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Repository name")
	cmd.Flags().StringVar(&path, "path", "", "Repository path")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("path")

	return cmd
}

func newRepoListCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := (*a).store.List()
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				fmt.Println("No repositories. Use 'rbum repo add' to create one.")
				return nil
			}

			for _, repo := range repos {
				fmt.Printf("%s  %s\n", repo.ID, repo.Name)
				fmt.Printf("    Path:    %s\n", repo.Path)
				fmt.Printf("    Created: %s\n", repo.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newRepoRemoveCmd(a **app) *cobra.Command {
	var keepCredentials bool

	cmd := &cobra.Command{
		Use:   "remove <repository>",
		Short: "Remove a repository record and its bookmark",
		Long: `Remove a repository from rBUM. The restic repository on disk is not
touched; only the record, its bookmark, and (unless kept) its stored
credentials are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}

			if err := (*a).store.Delete(repo.ID); err != nil {
				return err
			}
			if !keepCredentials {
				if err := (*a).vault.Delete(repo.ID); err != nil && !errors.Is(err, credentials.ErrCredentialsNotFound) {
					return err
				}
			}

			fmt.Printf("%s repository %q removed\n", green("ok:"), repo.Name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepCredentials, "keep-credentials", false, "Keep the stored credentials")
	return cmd
}

func newBackupCmd(a **app) *cobra.Command {
	var paths, tags []string

	cmd := &cobra.Command{
		Use:   "backup <repository>",
		Short: "Back up paths into a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}

			summary, err := (*a).runner.Backup(cmd.Context(),
				backup.BackupRequest{RepositoryID: repo.ID, Paths: paths, Tags: tags},
				printProgress,
				nil,
			)
			fmt.Println()
			if err != nil {
				return err
			}

			fmt.Printf("%s snapshot %s created\n", green("ok:"), summary.SnapshotID)
			fmt.Printf("  Files:      %d new, %d changed, %d unmodified\n",
				summary.FilesNew, summary.FilesChanged, summary.FilesUnmodified)
			fmt.Printf("  Data added: %s\n", formatBytes(summary.DataAdded))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&paths, "path", nil, "Path to back up (repeatable)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag for the snapshot (repeatable)")
	cmd.MarkFlagRequired("path")

	return cmd
}

func newSnapshotsCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <repository>",
		Short: "List snapshots in a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}
			cfg, err := (*a).resticConfig(repo)
			if err != nil {
				return err
			}

			snapshots, err := (*a).restic.Snapshots(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				fmt.Println("No snapshots.")
				return nil
			}

			for _, snap := range snapshots {
				fmt.Printf("%s  %s  %s\n", snap.ShortID, snap.Time.Format("2006-01-02 15:04:05"), strings.Join(snap.Paths, ", "))
				if len(snap.Tags) > 0 {
					fmt.Printf("    Tags: %s\n", strings.Join(snap.Tags, ", "))
				}
			}
			fmt.Printf("%d snapshots\n", len(snapshots))
			return nil
		},
	}
}

func newCheckCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <repository>",
		Short: "Verify repository integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}
			cfg, err := (*a).resticConfig(repo)
			if err != nil {
				return err
			}

			result, err := (*a).restic.Check(cmd.Context(), cfg)
			if err != nil {
				if result != nil {
					for _, msg := range result.Errors {
						fmt.Printf("  %s %s\n", red("error:"), msg)
					}
				}
				return err
			}

			fmt.Printf("%s repository %q is healthy (%s)\n", green("ok:"), repo.Name, result.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newStatsCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <repository>",
		Short: "Show repository-wide statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}
			cfg, err := (*a).resticConfig(repo)
			if err != nil {
				return err
			}

			stats, err := (*a).restic.Stats(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			fmt.Printf("Repository %q\n", repo.Name)
			fmt.Printf("  Total size:  %s\n", formatBytes(stats.TotalSize))
			fmt.Printf("  Total files: %d\n", stats.TotalFileCount)
			return nil
		},
	}
}

func newUnlockCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <repository>",
		Short: "Remove stale repository locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}
			cfg, err := (*a).resticConfig(repo)
			if err != nil {
				return err
			}

			if err := (*a).restic.Unlock(cmd.Context(), cfg); err != nil {
				return err
			}

			fmt.Printf("%s repository %q unlocked\n", green("ok:"), repo.Name)
			return nil
		},
	}
}

func newForgetCmd(a **app) *cobra.Command {
	var policy models.RetentionPolicy

	cmd := &cobra.Command{
		Use:   "forget <repository>",
		Short: "Apply a retention policy and prune old snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if policy.IsZero() {
				return errors.New("at least one --keep flag is required")
			}

			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}
			cfg, err := (*a).resticConfig(repo)
			if err != nil {
				return err
			}

			result, err := (*a).restic.Forget(cmd.Context(), cfg, policy)
			if err != nil {
				return err
			}

			fmt.Printf("%s kept %d snapshots, removed %d\n", green("ok:"), result.SnapshotsKept, result.SnapshotsRemoved)
			for _, id := range result.RemovedIDs {
				fmt.Printf("  removed %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&policy.KeepLast, "keep-last", 0, "Keep the N most recent snapshots")
	cmd.Flags().IntVar(&policy.KeepHourly, "keep-hourly", 0, "Keep N hourly snapshots")
	cmd.Flags().IntVar(&policy.KeepDaily, "keep-daily", 0, "Keep N daily snapshots")
	cmd.Flags().IntVar(&policy.KeepWeekly, "keep-weekly", 0, "Keep N weekly snapshots")
	cmd.Flags().IntVar(&policy.KeepMonthly, "keep-monthly", 0, "Keep N monthly snapshots")
	cmd.Flags().IntVar(&policy.KeepYearly, "keep-yearly", 0, "Keep N yearly snapshots")

	return cmd
}

func newRestoreCmd(a **app) *cobra.Command {
	var opts backup.RestoreOptions

	cmd := &cobra.Command{
		Use:   "restore <repository> <snapshot-id>",
		Short: "Restore a snapshot to a target directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}
			cfg, err := (*a).resticConfig(repo)
			if err != nil {
				return err
			}

			if err := (*a).restic.Restore(cmd.Context(), cfg, args[1], opts); err != nil {
				return err
			}

			fmt.Printf("%s snapshot %s restored to %s\n", green("ok:"), args[1], opts.Target)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Target, "target", "", "Directory to restore into")
	cmd.Flags().StringSliceVar(&opts.Include, "include", nil, "Only restore paths matching this pattern (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "Skip paths matching this pattern (repeatable)")
	cmd.MarkFlagRequired("target")

	return cmd
}

func newHistoryCmd(a **app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [repository]",
		Short: "Show recent backup runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs []*models.BackupRun
			var err error
			if len(args) == 1 {
				repo, findErr := (*a).findRepository(args[0])
				if findErr != nil {
					return findErr
				}
				runs, err = (*a).history.ListForRepository(cmd.Context(), repo.ID, limit)
			} else {
				runs, err = (*a).history.List(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No backup runs recorded.")
				return nil
			}

			for _, run := range runs {
				status := green(string(run.Status))
				switch run.Status {
				case models.RunStatusFailed:
					status = red(string(run.Status))
				case models.RunStatusCancelled:
					status = yellow(string(run.Status))
				}
				fmt.Printf("%s  %s  %s\n", run.StartedAt.Format("2006-01-02 15:04:05"), status, run.SnapshotID)
				if run.Error != "" {
					fmt.Printf("    %s\n", run.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	return cmd
}

func newCredentialsCmd(a **app) *cobra.Command {
	credCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored repository credentials",
	}

	setCmd := &cobra.Command{
		Use:   "set <repository>",
		Short: "Store or replace the password for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}
			password, err := promptPassword("New repository password: ")
			if err != nil {
				return err
			}

			if err := (*a).vault.Store(models.NewRepositoryCredentials(repo.ID, password, repo.Path)); err != nil {
				return err
			}
			fmt.Printf("%s credentials updated for %q\n", green("ok:"), repo.Name)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <repository>",
		Short: "Show stored credential metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := (*a).findRepository(args[0])
			if err != nil {
				return err
			}
			creds, err := (*a).vault.Retrieve(repo.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Repository: %s\n", repo.Name)
			fmt.Printf("  Path:     %s\n", creds.RepositoryPath)
			fmt.Printf("  Created:  %s\n", creds.CreatedAt.Format(time.RFC3339))
			fmt.Printf("  Modified: %s\n", creds.ModifiedAt.Format(time.RFC3339))
			if creds.KeyFileName != "" {
				fmt.Printf("  Key file: %s\n", creds.KeyFileName)
			}
			return nil
		},
	}

	credCmd.AddCommand(setCmd, showCmd)
	return credCmd
}

func newDoctorCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := (*a).store.List()
			if err != nil {
				return err
			}

			doctor := health.NewDoctor((*a).restic, (*a).dataDir, (*a).logger)
			report := doctor.Run(cmd.Context(), repos)

			if report.ResticAvailable {
				fmt.Printf("%s restic %s\n", green("ok:"), report.ResticVersion)
			} else {
				fmt.Printf("%s restic not available: %s\n", red("fail:"), report.ResticError)
			}
			if report.DataDirWritable {
				fmt.Printf("%s data directory %s is writable\n", green("ok:"), report.DataDir)
			} else {
				fmt.Printf("%s data directory %s is not writable\n", red("fail:"), report.DataDir)
			}
			for _, d := range report.Disks {
				if d.Err != "" {
					fmt.Printf("%s %s: %s\n", red("fail:"), d.Repository.Name, d.Err)
					continue
				}
				fmt.Printf("%s %s: %.1f%% used, %s free\n",
					green("ok:"), d.Repository.Name, d.UsedPercent, formatBytes(int64(d.FreeBytes)))
			}

			if !report.OK() {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
}

func newDaemonCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled backups from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := (*a).cfg
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if len(cfg.Schedules) == 0 {
				return errors.New("no schedules configured")
			}
			return runDaemon(*a)
		},
	}
}

func runDaemon(a *app) error {
	logger := a.logger

	fmt.Printf("rBUM %s daemon starting\n", Version)
	fmt.Printf("Data directory: %s\n", a.dataDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	scheduler := cron.New()
	for _, sched := range a.cfg.Schedules {
		s := sched
		repoID, err := s.RepositoryUUID()
		if err != nil {
			return err
		}

		_, err = scheduler.AddFunc(s.Cron, func() {
			logger.Info().Str("schedule", s.Name).Msg("cron triggered backup")
			summary, err := a.runner.Backup(context.Background(),
				backup.BackupRequest{RepositoryID: repoID, Paths: s.Paths, Tags: s.Tags},
				nil, nil)
			if err != nil {
				logger.Error().Err(err).Str("schedule", s.Name).Msg("scheduled backup failed")
				return
			}
			logger.Info().
				Str("schedule", s.Name).
				Str("snapshot_id", summary.SnapshotID).
				Msg("scheduled backup completed")

			if s.Retention.IsZero() {
				return
			}
			repo, err := a.store.Get(repoID)
			if err != nil {
				logger.Error().Err(err).Str("schedule", s.Name).Msg("retention skipped")
				return
			}
			cfg, err := a.resticConfig(repo)
			if err != nil {
				logger.Error().Err(err).Str("schedule", s.Name).Msg("retention skipped")
				return
			}
			if _, err := a.restic.Forget(context.Background(), cfg, s.Retention); err != nil {
				logger.Error().Err(err).Str("schedule", s.Name).Msg("retention failed")
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression: %w", s.Name, err)
		}
		logger.Info().Str("schedule", s.Name).Str("cron", s.Cron).Msg("registered backup schedule")
	}

	scheduler.Start()
	defer scheduler.Stop()

	fmt.Printf("%d schedules registered. Press Ctrl+C to stop.\n", len(a.cfg.Schedules))

	sig := <-sigChan
	fmt.Printf("\nReceived %s, shutting down...\n", sig)
	return nil
}

// obtainPassword generates a password or prompts for one, with
// confirmation.
func obtainPassword(generate bool) (string, error) {
	if generate {
		return crypto.GeneratePassword()
	}

	password, err := promptPassword("Repository password: ")
	if err != nil {
		return "", err
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	return password, nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(password), nil
}

// printProgress renders one progress line, rewritten in place.
func printProgress(p backup.Progress) {
	fmt.Printf("\r%5.1f%%  %d/%d files  %s/%s",
		p.Percent(),
		p.ProcessedFiles, p.TotalFiles,
		formatBytes(p.ProcessedBytes), formatBytes(p.TotalBytes))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
