package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"wsnap/internal/app"
	"wsnap/internal/config"
	"wsnap/internal/snap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"], defaults["base_dir"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a SnapApp for the workspace selected
// by --workspace. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "create", "restore").
func newApp(cmd *cobra.Command, operation string) (*app.SnapApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	root, _ := cmd.Flags().GetString("workspace")
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("getting current directory: %w", err)
		}
	}

	a, err := app.NewSnapApp(cmd.Context(), cfg, root, operation, app.Options{})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo, or reads one line
// from stdin when it is not a terminal.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

var rootCmd = &cobra.Command{
	Use:          "wsnap",
	Short:        "Workspace snapshots with diff-chain storage",
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
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Log Level:     %s\n", cfg.LogLevel)
		fmt.Printf("Store Dir:     %s\n", cfg.Store.Dir)
		fmt.Printf("Max Snapshots: %d\n", cfg.Store.MaxSnapshots)
		fmt.Printf("Journal:       %s %s\n", cfg.Journal.Type, cfg.Journal.DataDir)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:         %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage archive encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the archive key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "keys init")
		if err != nil {
			return err
		}
		defer a.Close()

		if a.KeysConfigured() {
			return fmt.Errorf("keys are already set up")
		}
		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}
		if err := a.SetupKeys(pass); err != nil {
			return err
		}
		fmt.Println("Archive keys created.")
		return nil
	},
}

// create command
var createCmd = &cobra.Command{
	Use:   "create [DESCRIPTION]",
	Short: "Snapshot the workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, _ := cmd.Flags().GetStringSlice("tag")
		notes, _ := cmd.Flags().GetString("notes")
		task, _ := cmd.Flags().GetString("task")
		favorite, _ := cmd.Flags().GetBool("favorite")
		files, _ := cmd.Flags().GetStringSlice("files")

		description := ""
		if len(args) > 0 {
			description = args[0]
		}

		a, err := newApp(cmd, "create")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Create(description, snap.CreateOptions{
			Tags:          tags,
			Notes:         notes,
			TaskReference: task,
			IsFavorite:    favorite,
			SelectedFiles: files,
		})
		if err != nil {
			return fmt.Errorf("creating snapshot: %w", err)
		}

		fmt.Printf("Created %s (%d files)\n", s.ID, len(s.Files))
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "list")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, current, err := a.Snapshots()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}

		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			marker := " "
			if i == current {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  %s\n", marker, e.ID, formatTime(e.Timestamp), e.Description)
		}
		return nil
	},
}

// show command
var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "show")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Show(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:          %s\n", s.ID)
		fmt.Printf("Created:     %s\n", formatTime(s.Timestamp))
		fmt.Printf("Description: %s\n", s.Description)
		if s.VCSBranch != "" || s.VCSRevision != "" {
			fmt.Printf("VCS:         %s %s\n", s.VCSBranch, s.VCSRevision)
		}
		if len(s.Tags) > 0 {
			fmt.Printf("Tags:        %s\n", strings.Join(s.Tags, ", "))
		}
		if s.TaskReference != "" {
			fmt.Printf("Task:        %s\n", s.TaskReference)
		}
		if s.IsFavorite {
			fmt.Println("Favorite:    yes")
		}
		if s.Notes != "" {
			fmt.Printf("Notes:       %s\n", s.Notes)
		}
		if s.IsSelective {
			fmt.Printf("Selected:    %s\n", strings.Join(s.SelectedFiles, ", "))
		}
		fmt.Println()
		for _, p := range s.Files.Paths() {
			fmt.Printf("%-9s  %s\n", snap.KindOf(s.Files[p]), p)
		}
		return nil
	},
}

// cat command
var catCmd = &cobra.Command{
	Use:   "cat ID PATH",
	Short: "Print a file as recorded by a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "cat")
		if err != nil {
			return err
		}
		defer a.Close()

		content, err := a.Cat(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Print(content)
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log PATH",
	Short: "View the snapshot history of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "log")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.FileHistory(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No snapshot records this file.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %-9s  %s\n", e.SnapshotID, formatTime(e.Timestamp), e.Kind, e.Description)
		}
		return nil
	},
}

func printChanges(changes []snap.Change) {
	for _, c := range changes {
		unsaved := ""
		if c.HasUnsavedChanges {
			unsaved = "  [unsaved edits]"
		}
		fmt.Printf("%-8s  %s%s\n", c.Kind, c.Path, unsaved)
	}
}

// diff-restore command
var diffRestoreCmd = &cobra.Command{
	Use:   "diff-restore ID",
	Short: "Preview what restoring a snapshot would change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "diff-restore")
		if err != nil {
			return err
		}
		defer a.Close()

		changes, err := a.PreviewRestore(args[0])
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			fmt.Println("Workspace already matches the snapshot.")
			return nil
		}
		printChanges(changes)
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Make the workspace match a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "restore")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Restore(args[0])
		if result != nil {
			fmt.Printf("Wrote %d file(s), removed %d file(s)\n", len(result.Written), len(result.Removed))
			for _, p := range result.Failed {
				fmt.Printf("failed    %s\n", p)
			}
		}
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		return nil
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "delete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// updateContext runs one context-editing command.
func updateContext(cmd *cobra.Command, operation, id string, u snap.ContextUpdate) error {
	a, err := newApp(cmd, operation)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.UpdateContext(id, u)
	if err != nil {
		return err
	}
	fmt.Printf("Updated %s\n", s.ID)
	return nil
}

var tagCmd = &cobra.Command{
	Use:   "tag ID [TAG...]",
	Short: "Replace the tags of a snapshot",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags := args[1:]
		return updateContext(cmd, "tag", args[0], snap.ContextUpdate{Tags: &tags})
	},
}

var noteCmd = &cobra.Command{
	Use:   "note ID TEXT",
	Short: "Set the notes of a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateContext(cmd, "note", args[0], snap.ContextUpdate{Notes: &args[1]})
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe ID DESCRIPTION",
	Short: "Change the description of a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateContext(cmd, "describe", args[0], snap.ContextUpdate{Description: &args[1]})
	},
}

var taskCmd = &cobra.Command{
	Use:   "task ID REFERENCE",
	Short: "Link a snapshot to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateContext(cmd, "task", args[0], snap.ContextUpdate{TaskReference: &args[1]})
	},
}

var favoriteCmd = &cobra.Command{
	Use:   "favorite ID",
	Short: "Mark a snapshot as favorite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		on := !off
		return updateContext(cmd, "favorite", args[0], snap.ContextUpdate{IsFavorite: &on})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View the operation journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		snapshotID, _ := cmd.Flags().GetString("snapshot")

		a, err := newApp(cmd, "history")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(snapshotID, limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				duration = op.Duration().Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.SnapshotID,
			)
		}
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Export snapshots to a vault and import them back",
}

var archivePushCmd = &cobra.Command{
	Use:   "push ID",
	Short: "Upload an encrypted archive of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultName, _ := cmd.Flags().GetString("vault")

		a, err := newApp(cmd, "archive push")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.PushArchive(args[0], vaultName)
		if err != nil {
			return fmt.Errorf("pushing archive: %w", err)
		}
		fmt.Printf("Pushed %s (%d files, %d bytes)\n", result.Name, result.Files, result.Size)
		return nil
	},
}

var archivePullCmd = &cobra.Command{
	Use:   "pull ID DIR",
	Short: "Download and unpack a snapshot archive into DIR",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultName, _ := cmd.Flags().GetString("vault")

		a, err := newApp(cmd, "archive pull")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		manifest, err := a.PullArchive(args[0], vaultName, args[1], pass)
		if err != nil {
			return fmt.Errorf("pulling archive: %w", err)
		}

		archived := 0
		for _, f := range manifest.Files {
			if f.Archived {
				archived++
			}
		}
		fmt.Printf("Unpacked %d of %d file(s) from %s into %s\n", archived, len(manifest.Files), manifest.SnapshotID, args[1])
		return nil
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultName, _ := cmd.Flags().GetString("vault")

		a, err := newApp(cmd, "archive list")
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.ListArchives(vaultName)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No archives.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Snapshot the workspace automatically as files change",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "watch")
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.Config()
		debounce := cfg.Watch.Debounce
		if cmd.Flags().Changed("debounce") {
			debounce, _ = cmd.Flags().GetDuration("debounce")
		}
		metricsAddr := cfg.Watch.MetricsAddr
		if cmd.Flags().Changed("metrics-addr") {
			metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		}

		ctx := cmd.Context()
		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Shutdown(context.Background())
			fmt.Printf("Serving metrics on http://%s/metrics\n", metricsAddr)
		}

		fmt.Println("Watching for changes (Ctrl-C to stop)")
		return a.Watch(ctx, debounce, func(s *snap.Snapshot) {
			fmt.Printf("%s  %s  %s\n", time.Now().Format("15:04:05"), s.ID, s.Description)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("workspace", "C", "", "Workspace root (default: current directory)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// archive subcommands
	archiveCmd.AddCommand(archivePushCmd)
	archiveCmd.AddCommand(archivePullCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.PersistentFlags().String("vault", "", "Vault name (default: first configured vault)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringSliceP("tag", "t", nil, "Tag the snapshot (repeatable)")
	createCmd.Flags().String("notes", "", "Free-form notes")
	createCmd.Flags().String("task", "", "Task reference")
	createCmd.Flags().Bool("favorite", false, "Mark as favorite")
	createCmd.Flags().StringSlice("files", nil, "Only snapshot these files (others carry forward)")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(diffRestoreCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(favoriteCmd)
	favoriteCmd.Flags().Bool("off", false, "Clear the favorite mark instead")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	historyCmd.Flags().String("snapshot", "", "Only operations that touched this snapshot")
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("debounce", 0, "Quiet period before a snapshot (default from config)")
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
}
