package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskbridge/internal/app"
	"taskbridge/internal/config"
	"taskbridge/internal/db"
	"taskbridge/internal/domain"
	"taskbridge/internal/outbox"
	"taskbridge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "Taskbridge CLI",
	Long: `Taskbridge is the reliability layer between local tooling and a remote
task tracker. It waits for the tracker's stack to come up, keeps local
actor profiles bound to the right remote accounts, and records comments
and status changes in a durable outbox so nothing is lost or delivered
twice while the tracker is down.

Workflow:
- tb config init          write a starter taskbridge.yml
- tb start                wait for the remote, reconcile identities, serve the local API
- tb comment / tb status  record actions (safe to repeat)
- tb sync                 drain the outbox to the remote
- tb outbox list          inspect what is queued, sent, or failed`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("profile", "p", "", "actor profile")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger().Level(level)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	a.AdminToken = viper.GetString("admin-token")
	return fn(ctx, a)
}

func startCmd() *cobra.Command {
	var addr, basePath string
	var allowOverride, noServe bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Bootstrap the bridge and serve the local API",
		Long: `Waits for the remote stack to become ready stage by stage, reconciles
every configured profile, then serves the local HTTP API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Bootstrap(ctx, allowOverride); err != nil {
					return err
				}
				if noServe {
					return nil
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8787"
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("TASKBRIDGE_JWT_SECRET")}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Taskbridge API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&allowOverride, "allow-override", false, "replace stored identity bindings on conflict")
	cmd.Flags().BoolVar(&noServe, "no-serve", false, "bootstrap only, do not serve the API")
	return cmd
}

func syncCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain pending outbox events to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				eng, err := a.Engine()
				if err != nil {
					return err
				}
				res, err := eng.Run(ctx, dryRun)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if n := res.PermanentFailures(); n > 0 {
					return fmt.Errorf("%d event(s) failed permanently; see tb outbox list --status failed", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be sent without sending")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var allowOverride bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bind profiles to remote accounts",
		Long: `Verifies each profile's stored credential, re-authenticates expired
tokens, and provisions missing accounts. A profile whose stored binding
points at a different remote account is a conflict and stops the run
unless --allow-override is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if name := viper.GetString("profile"); name != "" {
					cred, err := a.Reconcile(ctx, name, allowOverride)
					if err != nil {
						return err
					}
					return printJSONOrTable(credentialView(cred))
				}
				creds, err := a.Bootstrap(ctx, allowOverride)
				if err != nil {
					return err
				}
				views := make(map[string]any, len(creds))
				for name, cred := range creds {
					views[name] = credentialView(cred)
				}
				return printJSONOrTable(views)
			})
		},
	}
	cmd.Flags().BoolVar(&allowOverride, "allow-override", false, "replace stored identity bindings on conflict")
	return cmd
}

// credentialView hides the token in command output.
func credentialView(c domain.Credential) map[string]any {
	return map[string]any{
		"profile":     c.Profile,
		"identity_id": c.IdentityID,
		"username":    c.Username,
		"email":       c.Email,
		"created_at":  c.CreatedAt,
	}
}

func commentCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "comment <task-ref>",
		Short: "Record a task comment for later delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return fmt.Errorf("--text required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, created, err := a.Store.Append(ctx, args[0], domain.EventKindComment,
					map[string]any{"text": text}, viper.GetString("profile"))
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(os.Stderr, "already recorded (%s)\n", ev.Status)
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func statusCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "status <task-ref>",
		Short: "Record a task status change for later delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, created, err := a.Store.Append(ctx, args[0], domain.EventKindStatusChange,
					map[string]any{"to": to}, viper.GetString("profile"))
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(os.Stderr, "already recorded (%s)\n", ev.Status)
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and manage the outbox"}
	cmd.AddCommand(outboxListCmd())
	cmd.AddCommand(outboxPurgeCmd())
	return cmd
}

func outboxListCmd() *cobra.Command {
	var status, taskRef string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Store.List(ctx, listFilters(status, taskRef, limit))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Task", "Kind", "Status", "Attempts", "Last error"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.Seq, ev.TaskRef, ev.Kind, ev.Status, ev.AttemptCount, ev.LastError})
				}
				tw.Render()
				counts, err := a.Store.CountByStatus(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("pending=%d sent=%d failed=%d\n", counts["pending"], counts["sent"], counts["failed"])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, sent, failed)")
	cmd.Flags().StringVar(&taskRef, "task", "", "task reference filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max events")
	return cmd
}

func outboxPurgeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every outbox event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("purge deletes delivery history; pass --force to confirm")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Store.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("purged %d event(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm purge")
	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage identity bindings"}
	cmd.AddCommand(identityPurgeCmd())
	return cmd
}

func identityPurgeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every stored credential file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("purge deletes stored tokens; pass --force to confirm")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.PurgeCredentials(); err != nil {
					return err
				}
				fmt.Println("credentials purged")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm purge")
	return cmd
}

func whoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Resolve stored credentials against the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				accounts, err := a.Whoami(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(accounts)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Audit.Tail(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage taskbridge.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var baseURL string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "remote base URL")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func listFilters(status, taskRef string, limit int) outbox.Filters {
	return outbox.Filters{
		Status:  domain.EventStatus(status),
		TaskRef: taskRef,
		Limit:   limit,
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
