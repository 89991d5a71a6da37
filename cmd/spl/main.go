package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"specline/internal/agent"
	"specline/internal/app"
	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/migrate"
	"specline/internal/orchestrator"
	"specline/internal/repo"
	"specline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "spl",
	Short: "Specline CLI",
	Long: `Specline runs problem statements through a phased agent pipeline with
human checkpoints. Every produced item and every state change is persisted
before the pipeline moves on, so a crashed run resumes where it stopped
instead of starting over.
- Workspace: the .specline directory holding the database; config lives in
  the DB and is imported from specline.yml.
- Execution: one run of the pipeline for one problem statement.
- Phases: single calls, fan-outs over prior items, or a fixed specialist
  panel; the plan comes from config.
- Checkpoints: the pipeline pauses in waiting_approval states until a human
  approves, asks for a revision, or cancels.
- Coverage loop: the design phase is scored against the digest's required
  elements and regenerated until the score clears the threshold or the
  iteration budget runs out.
- Event log: diary of everything that happened, view with 'spl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("SPECLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, _, err := app.ResolveProjectAndConfig(ctx, projectID, r); err != nil {
					return err
				}
				fmt.Printf("Initialized workspace: %s, config: %s\n", db.Path(workspace), cfgPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "default", "project id")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				p, err := o.Repo.GetProject(ctx, cfg.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				return printJSONOrTable(cfg)
			})
		},
	})
	cfgCmd.AddCommand(projectConfigImportCmd())
	return cfgCmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projectID := cfg.Project.ID
				if _, _, err := app.ResolveProjectAndConfig(ctx, projectID, r); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				p, err := o.Repo.GetProject(ctx, cfg.Project.ID)
				if err != nil {
					return err
				}
				counts, err := o.Repo.CountExecutionsByState(ctx, p.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":       p.ID,
					"status":           p.Status,
					"execution_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Executions:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				return nil
			})
		},
	}
}

func execCmd() *cobra.Command {
	exec := &cobra.Command{
		Use:   "exec",
		Short: "Manage pipeline executions",
		Long:  "An execution runs one problem statement through the configured phases. It pauses at approval checkpoints and survives process crashes: resume continues after the last committed phase.",
	}
	exec.AddCommand(execCreateCmd())
	exec.AddCommand(execRunCmd())
	exec.AddCommand(execListCmd())
	exec.AddCommand(execStatusCmd())
	exec.AddCommand(execResumeCmd())
	exec.AddCommand(execRetryCmd())
	exec.AddCommand(execCancelCmd())
	exec.AddCommand(execApproveCmd())
	exec.AddCommand(execItemsCmd())
	exec.AddCommand(execReportsCmd())
	return exec
}

// readProblem takes the statement from --problem or --file.
func readProblem(problem, file string) (string, error) {
	if problem != "" {
		return problem, nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("--problem or --file required")
}

func execCreateCmd() *cobra.Command {
	var problem, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an execution in draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				statement, err := readProblem(problem, file)
				if err != nil {
					return err
				}
				e, err := o.CreateExecution(ctx, cfg.Project.ID, statement, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&problem, "problem", "", "problem statement")
	cmd.Flags().StringVar(&file, "file", "", "file containing the problem statement")
	return cmd
}

func execRunCmd() *cobra.Command {
	var problem, file string
	cmd := &cobra.Command{
		Use:   "run [id]",
		Short: "Run an execution in the foreground",
		Long:  "Without an id, creates an execution from --problem/--file and runs it. With an id, starts the given draft. Blocks until the pipeline pauses at a checkpoint, completes, or fails.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				var id string
				if len(args) == 1 {
					id = args[0]
				} else {
					statement, err := readProblem(problem, file)
					if err != nil {
						return err
					}
					e, err := o.CreateExecution(ctx, cfg.Project.ID, statement, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					id = e.ID
				}
				e, err := o.Start(ctx, id)
				if err != nil {
					printExecutionOutcome(e)
					return err
				}
				printExecutionOutcome(e)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&problem, "problem", "", "problem statement")
	cmd.Flags().StringVar(&file, "file", "", "file containing the problem statement")
	return cmd
}

func execListCmd() *cobra.Command {
	var stateFilter string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				items, err := o.Repo.ListExecutions(ctx, repo.ExecutionFilters{
					ProjectID: cfg.Project.ID,
					State:     stateFilter,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Phase", "Updated", "Problem"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.State, e.CurrentPhase, e.StateUpdatedAt, truncate(e.ProblemStatement, 48)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stateFilter, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func execStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show execution status and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				st, err := o.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				e := st.Execution
				fmt.Printf("Execution: %s\nState: %s\n", e.ID, e.State)
				if e.CurrentPhase != "" {
					fmt.Printf("Phase: %s\n", e.CurrentPhase)
				}
				if st.Progress != nil {
					fmt.Printf("Progress: %d/%d\n", st.Progress.Completed, st.Progress.Total)
				}
				if e.LastErrorKind != "" {
					fmt.Printf("Last error: [%s] %s (phase %s)\n", e.LastErrorKind, e.LastErrorMessage, e.LastErrorPhase)
				}
				if len(st.ItemCounts) > 0 {
					fmt.Println("Items:")
					for itemType, c := range st.ItemCounts {
						fmt.Printf("  %s: %d\n", itemType, c)
					}
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "State", "Timestamp"})
				for _, t := range st.History {
					tw.AppendRow(table.Row{t.Seq, t.State, t.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func execResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume an interrupted execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				e, err := o.Resume(ctx, args[0])
				printExecutionOutcome(e)
				return err
			})
		},
	}
}

func execRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a failed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				e, err := o.Retry(ctx, args[0])
				printExecutionOutcome(e)
				return err
			})
		},
	}
}

func execCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				e, err := o.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if e.CancelRequested {
					fmt.Println("Cancel requested; in-flight work will stop at the next dispatch boundary.")
					return nil
				}
				return printJSONOrTable(e)
			})
		},
	}
}

func execApproveCmd() *cobra.Command {
	var checkpoint, decision string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Resolve an approval checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				e, err := o.Approve(ctx, args[0], checkpoint, decision, viper.GetString("actor-id"))
				printExecutionOutcome(e)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint name")
	cmd.Flags().StringVar(&decision, "decision", "approve", "approve, revise, or cancel")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}

func execItemsCmd() *cobra.Command {
	var itemType, phase, parentRef string
	cmd := &cobra.Command{
		Use:   "items <id>",
		Short: "List deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				items, err := o.Repo.ListDeliverables(ctx, repo.DeliverableFilters{
					ExecutionID: args[0],
					Phase:       phase,
					ItemType:    itemType,
					ParentRef:   parentRef,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "Type", "Phase", "Parent", "Parsed"})
				for _, d := range items {
					parent := ""
					if d.ParentRef != nil {
						parent = *d.ParentRef
					}
					tw.AppendRow(table.Row{d.ItemID, d.ItemType, d.Phase, parent, d.Parsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemType, "type", "", "item type filter")
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&parentRef, "parent", "", "parent item filter")
	return cmd
}

func execReportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reports <id>",
		Short: "List coverage reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				reports, err := o.Repo.ListCoverageReports(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Iteration", "Score", "Accepted", "Gaps", "Created"})
				for _, rep := range reports {
					tw.AppendRow(table.Row{rep.Iteration, fmt.Sprintf("%.1f", rep.Score), rep.Accepted, len(rep.Gaps), rep.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, executionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) error {
				events, err := o.Repo.LatestEvents(ctx, n, cfg.Project.ID, evtType, executionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			registry, err := newAgentRegistry(cfg)
			if err != nil {
				return err
			}
			o := orchestrator.New(conn, cfg, registry)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SPECLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SPECLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Orchestrator: o,
				Repo:         r,
				ProjectCfg:   cfg,
				BasePath:     basePath,
				Auth:         authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(r, cfg)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
				o.Wait()
			}()
			fmt.Printf("Serving Specline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The plaintext key is shown once and never stored.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- helpers ---

// newAgentRegistry builds the invoker set from config. The CLI registers
// no in-process workers; tasks run in-process only when specline is
// embedded as a library.
func newAgentRegistry(cfg *config.Config) (*agent.Registry, error) {
	return agent.NewRegistry(cfg.Agents, agent.NewInProcess())
}

func withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	registry, err := newAgentRegistry(cfg)
	if err != nil {
		return err
	}
	return fn(ctx, orchestrator.New(conn, cfg, registry), cfg)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printExecutionOutcome(e domain.Execution) {
	if e.ID == "" {
		return
	}
	if viper.GetBool("json") {
		_ = printJSON(e)
		return
	}
	fmt.Printf("Execution %s: %s\n", e.ID, e.State)
	if e.LastErrorKind != "" {
		fmt.Printf("Last error: [%s] %s\n", e.LastErrorKind, e.LastErrorMessage)
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
