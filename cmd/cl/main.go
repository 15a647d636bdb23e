package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"caseline/internal/app"
	"caseline/internal/compliance"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/mailbox"
	"caseline/internal/registry"
	"caseline/internal/repo"
	"caseline/internal/router"
	"caseline/internal/security"
	"caseline/internal/server"
	"caseline/internal/store"
	"caseline/internal/supervisor"
	"caseline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline coordinates cases across a pool of workers.
Core concepts:
- Case: a unit of work with a goal, a lifecycle, and an append-only history.
- Worker: a registered agent advertising (domain, skill, max_complexity) capabilities.
- Supervisor: routes cases, rebalances load, watches heartbeats and SLAs, and
  handles approvals and escalations.
- Mailbox: each worker's FIFO inbox with its own acceptance policy; every
  message, delivered or rejected, lands in the journal.
- Escalation: terminal hand-off to an outside authority, full history attached.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			env, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer env.Close()
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			} else {
				fmt.Printf("Config already present at %s\n", cfgPath)
			}
			fmt.Printf("Database ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				return printJSONOrTable(env.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEnv(func(env *app.Env) error {
				return env.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage cases",
		Long:  "Cases move created -> assigned -> in_progress and end in resolved, failed, or escalated. Only the owner may move a case; the supervisor uses --force.",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseGetCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseHistoryCmd())
	c.AddCommand(caseTransitionCmd())
	c.AddCommand(caseEscalateCmd())
	c.AddCommand(caseApproveCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts store.CreateCaseOptions
	var scope []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.RequesterID = opts.ActorID
			opts.Scope = scope
			return withStore(func(s store.Store) error {
				c, err := s.CreateCase(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "case goal")
	cmd.Flags().StringVar(&opts.Domain, "domain", "", "required domain")
	cmd.Flags().StringVar(&opts.Skill, "skill", "", "required skill")
	cmd.Flags().IntVar(&opts.Complexity, "complexity", 1, "complexity (1-10)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "normal", "priority (high, normal, low)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "idempotency key")
	cmd.Flags().StringArrayVar(&scope, "scope", []string{}, "security context scope entry (repeatable)")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}

func caseGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s store.Store) error {
				c, err := s.GetCase(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s store.Store) error {
				if f.Limit == 0 {
					f.Limit = 50
				}
				cases, err := s.ListCases(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Goal", "Status", "Owner", "Priority", "Domain/Skill"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.Goal, c.Status, c.OwnerID, c.Priority, c.Domain + "/" + c.Skill})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Domain, "domain", "", "domain filter")
	cmd.Flags().BoolVar(&f.Active, "active", false, "non-terminal cases only")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func caseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show full case history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s store.Store) error {
				events, err := s.CaseHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func caseTransitionCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition case status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s store.Store) error {
				c, err := s.Transition(cmd.Context(), store.TransitionOptions{
					CaseID:   args[0],
					ToStatus: status,
					ActorID:  viper.GetString("actor-id"),
					Reason:   reason,
					Force:    viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func caseEscalateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "escalate <id>",
		Short: "Escalate case to the outside authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s store.Store) error {
				esc, err := s.Escalate(cmd.Context(), args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "escalation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func caseApproveCmd() *cobra.Command {
	var approve, deny bool
	var note string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Respond to a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == deny {
				return fmt.Errorf("exactly one of --yes or --no is required")
			}
			return withCoordinator(func(ctx context.Context, c *supervisor.Coordinator, s store.Store) error {
				if err := c.RespondApproval(ctx, args[0], approve, note, viper.GetString("actor-id")); err != nil {
					return err
				}
				updated, err := s.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "yes", false, "approve")
	cmd.Flags().BoolVar(&deny, "no", false, "reject")
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
		Long:  "Workers advertise capabilities as domain/skill/max_complexity tuples. Routing prefers the closest capability match, then lowest load, then best success rate.",
	}
	w.AddCommand(workerRegisterCmd())
	w.AddCommand(workerListCmd())
	w.AddCommand(workerHeartbeatCmd())
	return w
}

// parseCapability parses "domain/skill/max_complexity".
func parseCapability(s string) (domain.Capability, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return domain.Capability{}, fmt.Errorf("capability %q must be domain/skill/max_complexity", s)
	}
	max, err := strconv.Atoi(parts[2])
	if err != nil {
		return domain.Capability{}, fmt.Errorf("capability %q: bad max_complexity: %w", s, err)
	}
	return domain.Capability{Domain: parts[0], Skill: parts[1], MaxComplexity: max}, nil
}

func workerRegisterCmd() *cobra.Command {
	var id string
	var capacity int
	var caps []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			capabilities := make([]domain.Capability, 0, len(caps))
			for _, c := range caps {
				parsed, err := parseCapability(c)
				if err != nil {
					return err
				}
				capabilities = append(capabilities, parsed)
			}
			return withEnv(func(env *app.Env) error {
				reg := registry.New(env.DB)
				w, err := reg.Register(cmd.Context(), registry.RegisterOptions{
					WorkerID:     id,
					Capacity:     capacity,
					Capabilities: capabilities,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id")
	cmd.Flags().IntVar(&capacity, "capacity", 5, "load capacity")
	cmd.Flags().StringArrayVar(&caps, "capability", []string{}, "capability as domain/skill/max_complexity (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func workerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				reg := registry.New(env.DB)
				workers, err := reg.ListWorkers(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Liveness", "Load", "Capacity", "Success", "Capabilities"})
				for _, w := range workers {
					caps := make([]string, 0, len(w.Capabilities))
					for _, c := range w.Capabilities {
						caps = append(caps, fmt.Sprintf("%s/%s/%d", c.Domain, c.Skill, c.MaxComplexity))
					}
					tw.AppendRow(table.Row{
						w.ID, w.Liveness, w.Load, w.Capacity,
						fmt.Sprintf("%.0f%% (%d/%d)", w.SuccessRate()*100, w.Succeeded, w.Attempted),
						strings.Join(caps, " "),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workerHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Record a heartbeat for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				return registry.New(env.DB).Heartbeat(cmd.Context(), args[0])
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run one supervisory pass",
		Long:  "Each subcommand runs a single pass of the corresponding supervisor loop, useful for scripting and debugging without a long-lived process.",
	}
	add := func(use, short string, fn func(context.Context, *supervisor.Coordinator) error) {
		sweep.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCoordinator(func(ctx context.Context, c *supervisor.Coordinator, _ store.Store) error {
					return fn(ctx, c)
				})
			},
		})
	}
	add("route", "Route unassigned cases", func(ctx context.Context, c *supervisor.Coordinator) error {
		return c.RouteOnce(ctx)
	})
	add("rebalance", "Rebalance load across workers", func(ctx context.Context, c *supervisor.Coordinator) error {
		return c.RebalanceOnce(ctx)
	})
	add("health", "Check worker heartbeats", func(ctx context.Context, c *supervisor.Coordinator) error {
		return c.CheckHealthOnce(ctx)
	})
	add("sla", "Sweep stale cases and approval timeouts", func(ctx context.Context, c *supervisor.Coordinator) error {
		return c.SweepSLAOnce(ctx)
	})
	return sweep
}

func runCmd() *cobra.Command {
	var addr string
	var workerIDs []string
	var assessCmd, executeCmd []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor and optional workers",
		Long: `Starts the supervisor loops (routing, rebalancing, health, SLA), the
webhook dispatcher, and a runtime for each --worker. Workers must be
registered first (cl worker register). With --addr the HTTP API is served
from the same process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			env, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer env.Close()

			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			hub := mailbox.NewHub(env.Config, log)
			rt := router.New(env.DB, hub, compliance.New(env.Config), log)
			coord := supervisor.New(env.DB, env.Config, hub, rt, log)
			coord.StartDispatcher(ctx)
			st := store.New(env.DB, env.Config)
			reg := registry.New(env.DB)

			var ex worker.Executor = worker.FuncExecutor{}
			if len(assessCmd) > 0 || len(executeCmd) > 0 {
				ex = worker.CommandExecutor{AssessCmd: assessCmd, ExecuteCmd: executeCmd}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return coord.Run(gctx) })
			for _, id := range workerIDs {
				if _, err := reg.GetWorker(ctx, id); err != nil {
					return fmt.Errorf("worker %s: %w (register it first)", id, err)
				}
				inbox := hub.Attach(id)
				runtime := worker.NewRuntime(id, inbox, rt, st, ex, env.Config, log)
				g.Go(func() error { return runtime.Run(gctx) })
			}
			if addr != "" {
				handler, err := buildHandler(env, coord, st, reg)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					fmt.Printf("Serving Caseline API on http://%s\n", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "also serve the HTTP API on this address")
	cmd.Flags().StringArrayVar(&workerIDs, "worker", []string{}, "worker id to run (repeatable, must be registered)")
	cmd.Flags().StringArrayVar(&assessCmd, "assess-cmd", []string{}, "command to self-assess assignments (argv, repeatable)")
	cmd.Flags().StringArrayVar(&executeCmd, "execute-cmd", []string{}, "command to execute assignments (argv, repeatable)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var n int
	var evtType, caseID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				r := repo.Repo{DB: env.DB}
				events, err := r.LatestEvents(cmd.Context(), n, caseID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&caseID, "case", "", "case id filter")
	log.AddCommand(tail)
	return log
}

func messagesCmd() *cobra.Command {
	var f repo.MessageFilters
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Query the message journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				r := repo.Repo{DB: env.DB}
				if f.Limit == 0 {
					f.Limit = 50
				}
				msgs, err := r.ListMessages(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Type", "Disposition", "Reject reason"})
				for _, m := range msgs {
					reject := ""
					if m.RejectReason != nil {
						reject = *m.RejectReason
					}
					tw.AppendRow(table.Row{m.TS, m.SenderID, m.RecipientID, m.Type, m.Disposition, reject})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SenderID, "from", "", "sender filter")
	cmd.Flags().StringVar(&f.RecipientID, "to", "", "recipient filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "message type filter")
	cmd.Flags().StringVar(&f.Disposition, "disposition", "", "delivered or rejected")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			env, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer env.Close()

			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			hub := mailbox.NewHub(env.Config, log)
			rt := router.New(env.DB, hub, compliance.New(env.Config), log)
			coord := supervisor.New(env.DB, env.Config, hub, rt, log)
			handler, err := buildHandler(env, coord, store.New(env.DB, env.Config), registry.New(env.DB))
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseline API on http://%s/v0 (OpenAPI at /v0/openapi.json, Swagger UI at /docs)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func buildHandler(env *app.Env, coord *supervisor.Coordinator, st store.Store, reg registry.Registry) (http.Handler, error) {
	authCfg := server.AuthConfig{
		JWTSecret:              os.Getenv("CASELINE_JWT_SECRET"),
		AllowLegacyActorHeader: os.Getenv("CASELINE_ALLOW_ACTOR_HEADER") == "1",
	}
	if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
		return nil, fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth (or set CASELINE_ALLOW_ACTOR_HEADER=1 for local use)")
	}
	return server.New(server.Config{
		Store:       st,
		Registry:    reg,
		Guard:       security.New(env.DB, nil),
		Coordinator: coord,
		BasePath:    "/v0",
		Auth:        authCfg,
	})
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			if key == "" {
				return fmt.Errorf("--key required (the plaintext key to register; only its hash is stored)")
			}
			return withEnv(func(env *app.Env) error {
				r := repo.Repo{DB: env.DB}
				entry := domain.APIKey{
					ID:        fmt.Sprintf("key-%d", time.Now().UnixNano()),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(cmd.Context(), nil, entry); err != nil {
					return err
				}
				entry.KeyHash = ""
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&key, "key", "", "plaintext key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				r := repo.Repo{DB: env.DB}
				keys, err := r.ListAPIKeys(cmd.Context(), actorID)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				r := repo.Repo{DB: env.DB}
				if err := r.DeleteAPIKey(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

// --- helpers ---

func withEnv(fn func(*app.Env) error) error {
	env, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

func withStore(fn func(store.Store) error) error {
	return withEnv(func(env *app.Env) error {
		return fn(store.New(env.DB, env.Config))
	})
}

func withCoordinator(fn func(context.Context, *supervisor.Coordinator, store.Store) error) error {
	return withEnv(func(env *app.Env) error {
		hub := mailbox.NewHub(env.Config, nil)
		rt := router.New(env.DB, hub, compliance.New(env.Config), nil)
		coord := supervisor.New(env.DB, env.Config, hub, rt, nil)
		return fn(context.Background(), coord, store.New(env.DB, env.Config))
	})
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
