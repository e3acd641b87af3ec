package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wrangle/internal/audit"
	"wrangle/internal/batch"
	"wrangle/internal/config"
	"wrangle/internal/engine"
	"wrangle/internal/githubapi"
	"wrangle/internal/lockstore"
	"wrangle/internal/logging"
	"wrangle/internal/tools"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "wrangle",
	Short: "Issue coordination engine for parallel agents",
	Long: `Wrangle coordinates multiple agent sessions working one GitHub backlog.
It scores open issues deterministically, hands out exclusive per-issue claims,
tracks each claim through an implementation workflow, and orchestrates
multi-issue batches. Run 'wrangle serve' to expose the tool operations over
stdio; the other commands inspect local state.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WRANGLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "path to config file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(locksCmd())
	rootCmd.AddCommand(batchesCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(versionCmd())
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

// ghToken shells out to the GitHub CLI as the last credential fallback.
func ghToken() (string, error) {
	out, err := exec.Command("gh", "auth", "token").Output()
	if err != nil {
		return "", fmt.Errorf("gh auth token: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func serveCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tool operations over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Stdout carries the protocol, so logs go to file only.
			logger, err := logging.SetupLogger(cfg.LogFile, cfg.Log.Level, true)
			if err != nil {
				return fmt.Errorf("setup logger: %w", err)
			}
			defer logging.CloseFile()

			tok, err := config.ResolveToken(token, ghToken)
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg, githubapi.NewClient(tok, logger), logger)
			if err != nil {
				return err
			}
			if err := eng.SweepAudit(); err != nil {
				logger.Warn("audit retention sweep failed", "err", err)
			}

			s := server.NewMCPServer(
				"wrangle",
				version,
				server.WithToolCapabilities(true),
				server.WithRecovery(),
			)
			tools.Register(s, eng)

			logger.Info("serving", "session", eng.SessionID, "base_dir", cfg.BaseDir)
			return server.ServeStdio(s)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "GitHub token (overrides GITHUB_TOKEN)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize local coordination state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.SetupLogger(cfg.LogFile, cfg.Log.Level, false)
			if err != nil {
				return err
			}
			defer logging.CloseFile()

			locks := lockstore.New(cfg.LocksDir(), cfg.LockStaleTimeout, lockstore.OSProber{}, logger)
			held, err := locks.List()
			if err != nil {
				return err
			}
			stale := 0
			for _, h := range held {
				if h.Stale {
					stale++
				}
			}

			batches, err := batch.New(cfg.BatchesDir(), logger).List()
			if err != nil {
				return err
			}
			active := 0
			for _, b := range batches {
				if b.Status == batch.StatusActive {
					active++
				}
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendRows([]table.Row{
				{"base dir", cfg.BaseDir},
				{"locks", len(held)},
				{"stale locks", stale},
				{"batches", len(batches)},
				{"active batches", active},
			})
			t.Render()
			return nil
		},
	}
}

func locksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List issue claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.SetupLogger(cfg.LogFile, cfg.Log.Level, false)
			if err != nil {
				return err
			}
			defer logging.CloseFile()

			held, err := lockstore.New(cfg.LocksDir(), cfg.LockStaleTimeout, lockstore.OSProber{}, logger).List()
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Repository", "Issue", "Session", "PID", "Acquired", "Stale"})
			for _, h := range held {
				t.AppendRow(table.Row{
					h.Repository,
					h.IssueNumber,
					h.SessionID,
					h.PID,
					h.AcquiredAt.Format(time.RFC3339),
					h.Stale,
				})
			}
			t.Render()
			return nil
		},
	}
}

func batchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batches",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.SetupLogger(cfg.LogFile, cfg.Log.Level, false)
			if err != nil {
				return err
			}
			defer logging.CloseFile()

			batches, err := batch.New(cfg.BatchesDir(), logger).List()
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Batch", "Repository", "Status", "Done", "Total", "Current", "Updated"})
			for _, b := range batches {
				current := ""
				if b.Current != 0 {
					current = fmt.Sprintf("#%d", b.Current)
				}
				t.AppendRow(table.Row{
					b.ID,
					b.Repository,
					b.Status,
					b.CompletedCount,
					b.Total,
					current,
					b.UpdatedAt.Format(time.RFC3339),
				})
			}
			t.Render()
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show audit records for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.SetupLogger(cfg.LogFile, cfg.Log.Level, false)
			if err != nil {
				return err
			}
			defer logging.CloseFile()

			day := time.Now().UTC()
			if date != "" {
				day, err = time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("parse --date: %w", err)
				}
			}

			recs, err := audit.New(cfg.LogsDir(), logger).Read(day)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Time", "Tool", "Issue", "Outcome", "Event", "Error"})
			for _, r := range recs {
				issue := ""
				if r.Issue != 0 {
					issue = fmt.Sprintf("#%d", r.Issue)
				}
				t.AppendRow(table.Row{
					r.Timestamp.Format("15:04:05"),
					r.Tool,
					issue,
					r.Outcome,
					r.Event,
					r.Error,
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day to show, YYYY-MM-DD (default today)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wrangle", version)
		},
	}
}
