package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"triageline/internal/app"
	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/domain"
	"triageline/internal/feed"
	"triageline/internal/migrate"
	"triageline/internal/repo"
	"triageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Triageline CLI",
	Long: `Triageline routes incoming bug reports to the developer most likely to fix them.
- Predict: a classifier ranks candidate developers; when the top confidence meets
  triage.threshold the bug is assigned automatically, otherwise it waits in manual-review.
- Assign: humans can always assign or reassign; every assignment is appended to the ledger.
- Import: pull open GitHub issues or a local JSON/YAML batch; references already seen are skipped.
- Workspace: triageline.yml, an optional .env, and the .triageline database.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRIAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the audit log")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides config")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(bugCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create triageline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Config already exists at %s (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Database ready at %s (schema v%d)\n", db.Path(workspace), version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate triageline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("OK: threshold %.2f, predictor %s, %d developers, %d webhooks\n",
				c.Triage.Threshold, c.Predictor.Kind, len(c.Directory.Developers), len(c.Webhooks))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "set-token <token>",
		Short: "Store the GitHub token in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			c, err := config.Load(workspace)
			if err != nil {
				return err
			}
			path := filepath.Join(workspace, ".env")
			env, err := godotenv.Read(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				env = map[string]string{}
			}
			env[c.Import.GitHub.TokenEnv] = args[0]
			if err := godotenv.Write(env, path); err != nil {
				return err
			}
			fmt.Printf("Saved %s to %s\n", c.Import.GitHub.TokenEnv, path)
			return nil
		},
	})
	return cfg
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show triage counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRows([]table.Row{
					{"total bugs", s.TotalBugs},
					{"auto-assigned", s.AutoAssigned},
					{"manual review", s.ManualReview},
					{"pending", s.PendingBugs},
				})
				tw.Render()
				if len(s.BugsPerDeveloper) > 0 {
					dw := newTable()
					dw.AppendHeader(table.Row{"Developer", "Bugs"})
					for name, n := range s.BugsPerDeveloper {
						dw.AppendRow(table.Row{name, n})
					}
					dw.SortBy([]table.SortBy{{Name: "Bugs", Mode: table.DscNumeric}, {Name: "Developer", Mode: table.Asc}})
					dw.Render()
				}
				return nil
			})
		},
	}
}

func importCmd() *cobra.Command {
	imp := &cobra.Command{Use: "import", Short: "Bulk-import bugs from external sources"}
	for _, src := range []struct{ name, short string }{
		{feed.SourceGitHub, "Import open issues from the configured GitHub repositories"},
		{feed.SourceLocal, "Import bugs from the configured local batch file"},
	} {
		var count int
		cmd := &cobra.Command{
			Use:   src.name,
			Short: src.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					res, err := a.Importer.ImportBatch(ctx, src.name, count, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printImportResult(res)
				})
			},
		}
		cmd.Flags().IntVarP(&count, "count", "n", 10, "number of items to fetch")
		imp.AddCommand(cmd)
	}
	return imp
}

func printImportResult(res domain.ImportBatchResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Batch %s from %s: %d imported, %d skipped, %d failed (requested %d)\n",
		res.BatchID, res.Source, res.Imported, res.Skipped, res.Errored, res.Requested)
	if res.SourceError != "" {
		fmt.Printf("Source stopped early: %s\n", res.SourceError)
	}
	if res.Canceled {
		fmt.Println("Batch canceled before completion")
	}
	if len(res.Errors) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Reference", "Title", "Reason"})
		for _, e := range res.Errors {
			tw.AppendRow(table.Row{e.ExternalRef, e.Title, e.Reason})
		}
		tw.Render()
	}
	return nil
}

func usersCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List the developer directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				devs, err := a.Engine.Developers(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(devs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Username", "Full name", "Email", "Role"})
				for _, d := range devs {
					tw.AppendRow(table.Row{d.ID, d.Username, d.FullName, d.Email, d.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "developer", "role filter (empty for all)")
	return cmd
}

func logCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the audit event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.AuditLog(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter (e.g. bug.assigned)")
	cmd.Flags().Int64Var(&f.After, "after", 0, "only events with a larger id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:         a.Engine,
				Importer:       a.Importer,
				BasePath:       basePath,
				Logger:         a.Logger,
				RequestTimeout: a.Config.Server.RequestTimeout.Duration,
			})
			if err != nil {
				return err
			}
			go server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Logger).Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving triageline API", "addr", addr, "base_path", basePath, "predictor", a.Engine.Predictor.Name())
			fmt.Printf("Serving Triageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, viper.GetString("workspace"), app.Options{LogLevel: viper.GetString("log-level")})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid bug id %q", raw)
	}
	return id, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
