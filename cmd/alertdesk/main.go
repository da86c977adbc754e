package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"alertdesk/internal/app"
	"alertdesk/internal/config"
	"alertdesk/internal/engine"
	"alertdesk/internal/server"
)

const systemActor = "cli"

var rootCmd = &cobra.Command{
	Use:   "alertdesk",
	Short: "Alert Desk CLI",
	Long: `Alert Desk tracks letters sent to government departments until they are resolved.
- Accounts: one main admin reviews nodal officers; nodal officers register departments; departments register officers.
- Tasks: each letter becomes a task that moves pending -> in_progress -> resolved once a report is filed and approved.
- Work items: departments fan a task out to officers with their own deadline and report.
- Outbox: every credential mail is stored so a failed delivery can be resent.
- Event log: audit trail of changes, view with 'alertdesk log tail'.`,
	SilenceUsage: true,
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
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()
	viper.SetEnvPrefix("ALERTDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/alertdesk.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	rootCmd.PersistentFlags().String("addr", "", "listen address (overrides server.addr)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(nodalCmd())
	rootCmd.AddCommand(departmentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(otpCmd())
	rootCmd.AddCommand(logCmd())
}

func overrides() app.Overrides {
	return app.Overrides{
		Addr:         viper.GetString("addr"),
		JWTSecret:    viper.GetString("jwt-secret"),
		DatabasePath: viper.GetString("database-path"),
		SMTPPassword: viper.GetString("smtp-password"),
		LogLevel:     viper.GetString("log-level"),
	}
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"), overrides())
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				secret := cfg.Server.JWTSecret
				if secret == "" {
					generated, err := randomSecret()
					if err != nil {
						return err
					}
					secret = generated
					rt.Log.Warn("server.jwt_secret is empty; using an ephemeral secret, tokens will not survive a restart")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: secret, TokenTTL: cfg.Server.TokenTTL.Duration},
					Log:      rt.Log,
				})
				if err != nil {
					return err
				}
				rt.StartSweeper(ctx)
				server.StartWebhooks(ctx, rt.Engine, rt.Log)

				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.WithField("addr", cfg.Server.Addr).Infof("serving Alert Desk API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)", cfg.Server.Addr, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("jwt-secret", "", "token signing secret (overrides server.jwt_secret)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default alertdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	})
	return c
}

func adminCmd() *cobra.Command {
	c := &cobra.Command{Use: "admin", Short: "Main admin"}
	var in engine.AdminSetup
	setup := &cobra.Command{
		Use:   "setup",
		Short: "Create the main admin and mail its temporary password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetupMainAdmin(ctx, in)
				var nerr *engine.NotificationError
				if errors.As(err, &nerr) {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v (resend with 'alertdesk notify resend %d')\n", err, nerr.OutboxID)
				} else if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), p, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Unique ID", "Email", "Outbox"})
					tw.AppendRow(table.Row{p.UniqueID, p.Email, p.OutboxID})
				})
			})
		},
	}
	setup.Flags().StringVar(&in.Name, "name", "", "admin name")
	setup.Flags().StringVar(&in.Surname, "surname", "", "admin surname")
	setup.Flags().StringVar(&in.Mobile, "mobile", "", "mobile number")
	setup.Flags().StringVar(&in.Email, "email", "", "admin email")
	c.AddCommand(setup)
	return c
}

func nodalCmd() *cobra.Command {
	c := &cobra.Command{Use: "nodal", Short: "Review nodal officer registrations"}
	c.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List unverified nodal officers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListUnverifiedNodals(ctx)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Email", "Mobile", "Registered"})
					for _, a := range items {
						tw.AppendRow(table.Row{a.ID, strings.TrimSpace(a.Name + " " + a.Surname), a.Email, a.Mobile, a.CreatedAt})
					}
				})
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "verify <id>",
		Short: "Approve a nodal officer and mail credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.VerifyNodal(ctx, id, systemActor)
				var nerr *engine.NotificationError
				if errors.As(err, &nerr) {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				} else if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), p, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Unique ID", "Email", "Outbox"})
					tw.AppendRow(table.Row{p.UniqueID, p.Email, p.OutboxID})
				})
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "deny <id>",
		Short: "Reject and delete a pending nodal registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DenyNodal(ctx, id, systemActor); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "denied", id)
				return nil
			})
		},
	})
	return c
}

func departmentCmd() *cobra.Command {
	c := &cobra.Command{Use: "department", Short: "Departments"}
	var verified bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDepartments(ctx, verified)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Dept ID", "Name", "Head", "Email", "Verified"})
					for _, d := range items {
						tw.AppendRow(table.Row{d.ID, d.DeptID, d.Name, d.Head, d.Email, d.IsVerified})
					}
				})
			})
		},
	}
	list.Flags().BoolVar(&verified, "verified", false, "only verified departments")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "dashboard <dept-id>",
		Short: "Task counts for a department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.DepartmentDashboard(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), d, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Department", "Total", "Pending", "In progress", "Resolved", "Overdue"})
					tw.AppendRow(table.Row{d.Department.Name, d.Counts.Total, d.Counts.Pending, d.Counts.InProgress, d.Counts.Resolved, d.Counts.Overdue})
				})
			})
		},
	})
	return c
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Tasks"}
	var (
		deptID int64
		status string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks with derived status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := engine.TaskFilter{Status: status}
				if deptID > 0 {
					f.DepartmentID = &deptID
				}
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), tasks, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Letter", "Subject", "Department", "Deadline", "Days left", "Status", "Assigned to"})
					for _, t := range tasks {
						days := ""
						if t.DaysLeft != nil {
							days = strconv.Itoa(*t.DaysLeft)
						}
						tw.AppendRow(table.Row{t.ID, t.LetterID, t.Subject, t.DepartmentName, t.DeadlineDisplay, days, t.DisplayStatus, strings.Join(t.AssignedTo, ", ")})
					}
				})
			})
		},
	}
	list.Flags().Int64Var(&deptID, "department-id", 0, "department row id")
	list.Flags().StringVar(&status, "status", "", "pending, in_progress, resolved or overdue")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a reported task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Approve(ctx, id, systemActor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "task %d %s\n", t.ID, t.Status)
				return nil
			})
		},
	})
	return c
}

func notifyCmd() *cobra.Command {
	c := &cobra.Command{Use: "notify", Short: "Notification outbox"}
	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotifications(ctx, status, limit)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Kind", "Recipient", "Status", "Attempts", "Last error"})
					for _, n := range items {
						tw.AppendRow(table.Row{n.ID, n.Kind, n.Recipient, n.Status, n.Attempts, n.LastError})
					}
				})
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, sent or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "resend <id>",
		Short: "Retry delivery of an outbox entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ResendNotification(ctx, id, systemActor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "notification %d %s after %d attempts\n", n.ID, n.Status, n.Attempts)
				return nil
			})
		},
	})
	return c
}

func otpCmd() *cobra.Command {
	c := &cobra.Command{Use: "otp", Short: "One-time codes"}
	c.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Evict expired codes from the sql store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// memory codes live in the serving process, not in this one
			if cfg.OTP.Store != "sql" {
				return fmt.Errorf("otp store %q is process-local; only the sql store can be swept from the CLI", cfg.OTP.Store)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Sweeper.SweepExpired(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "evicted %d\n", n)
				return nil
			})
		},
	})
	return c
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Audit trail of account, task, work item and notification changes.",
	}
	var q engine.EventQuery
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, q)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), events, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
					for _, ev := range events {
						tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
					}
				})
			})
		},
	}
	tail.Flags().IntVar(&q.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&q.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&q.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// printResult writes v as JSON under --json, otherwise renders the table
// built by fill.
func printResult(w io.Writer, v any, fill func(table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	fill(tw)
	tw.Render()
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
