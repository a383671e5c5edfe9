package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskflow/internal/app"
	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/logging"
	"taskflow/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Taskflow CLI",
	Long: `Taskflow turns requirements into per-role work and keeps projects in step with them.
- Requirement: a piece of scope inside a project. Assigning people to it creates one task per role.
- Roles: developer, qc and designer. QC work waits on development and starts blocked.
- Board: todo, in_progress, blocked, in_review, done. Who may move what is set by the guard table.
- Project status follows its requirements: all completed means production.
- Event log: every change is recorded, view it with 'tf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var denied *engine.TransitionDeniedError
		if errors.As(err, &denied) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "log as JSON")
	pf.String("locks-backend", "", "lock backend (memory, redis)")
	pf.String("redis-addr", "", "redis address for the redis lock backend")
	pf.String("amqp-url", "", "AMQP broker URL for domain events")
	pf.String("metrics-out", "", "write Prometheus metrics to this file when the command finishes")
	_ = viper.BindPFlag("workspace", pf.Lookup("workspace"))
	_ = viper.BindPFlag("json", pf.Lookup("json"))
	_ = viper.BindPFlag("actor-id", pf.Lookup("actor-id"))
	_ = viper.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("log.json", pf.Lookup("log-json"))
	_ = viper.BindPFlag("locks.backend", pf.Lookup("locks-backend"))
	_ = viper.BindPFlag("locks.redis_addr", pf.Lookup("redis-addr"))
	_ = viper.BindPFlag("events.amqp_url", pf.Lookup("amqp-url"))
	_ = viper.BindPFlag("metrics.out", pf.Lookup("metrics-out"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(requirementCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create taskflow.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Println("database ready at", db.Path(workspace))
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectRecomputeCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.Projects().Create(ctx, name, a.Engine.Now().UTC())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.Projects().List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Progress", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, fmt.Sprintf("%d%%", p.Progress), p.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.Projects().GetByID(ctx, projectID)
				if err != nil {
					return fmt.Errorf("project %d: %w", projectID, err)
				}
				reqs, err := a.Repo.Requirements().ListByProject(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "requirements": reqs})
				}
				fmt.Printf("%d %s: %s (%d%%)\n", p.ID, p.Name, p.Status, p.Progress)
				tw := newTable(table.Row{"Requirement", "Name", "Status"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.ID, r.Name, r.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <project-id>",
		Short: "Recompute project status from its requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				changed, err := a.Engine.RecomputeProjectStatus(ctx, projectID)
				if err != nil {
					return err
				}
				p, err := a.Repo.Projects().GetByID(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"changed": changed, "status": p.Status, "progress": p.Progress})
			})
		},
	}
}

func requirementCmd() *cobra.Command {
	req := &cobra.Command{Use: "requirement", Aliases: []string{"req"}, Short: "Manage requirements"}
	req.AddCommand(requirementCreateCmd())
	req.AddCommand(requirementStatusCmd())
	return req
}

func requirementCreateCmd() *cobra.Command {
	var projectID int64
	var name, status string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create requirement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == 0 || name == "" {
				return fmt.Errorf("--project and --name required")
			}
			st, err := domain.ParseRequirementStatus(status)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.Projects().GetByID(ctx, projectID); err != nil {
					return fmt.Errorf("project %d: %w", projectID, err)
				}
				r, err := a.Repo.Requirements().Create(ctx, projectID, name, st, a.Engine.Now().UTC())
				if err != nil {
					return err
				}
				if _, err := a.Engine.RecomputeProjectStatus(ctx, projectID); err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&name, "name", "", "requirement name")
	cmd.Flags().StringVar(&status, "status", string(domain.RequirementNew), "initial status")
	return cmd
}

func requirementStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <requirement-id> <status>",
		Short: "Set requirement status and propagate to its project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, changed, err := a.Engine.SetRequirementStatus(ctx, reqID, domain.RequirementStatus(args[1]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"requirement": r, "project_changed": changed})
			})
		},
	}
}

func assignCmd() *cobra.Command {
	var developer, qc, designer int64
	var start, end, desc string
	cmd := &cobra.Command{
		Use:   "assign <requirement-id>",
		Short: "Set who works on a requirement per role",
		Long:  "Reconciles the role tasks of a requirement. Roles left out lose their task; 0 also means no assignee.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqID, err := parseID(args[0])
			if err != nil {
				return err
			}
			asg := engine.Assignment{
				DeveloperID: optionalID(developer),
				QCID:        optionalID(qc),
				DesignerID:  optionalID(designer),
				Description: desc,
				ActorID:     viper.GetString("actor-id"),
			}
			if asg.Start, err = parseTime(start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if asg.End, err = parseTime(end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ReconcileRoleTasks(ctx, reqID, asg)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
					return res.Err()
				}
				tw := newTable(table.Row{"Role", "Assignee", "Work item", "Outcome", "Deleted", "Depends on", "Error"})
				for _, rr := range res.Roles {
					tw.AppendRow(table.Row{rr.Role, ptrString(rr.AssigneeID), idString(rr.WorkItemID), rr.Outcome,
						joinIDs(rr.Deleted), joinIDs(rr.DependsOn), rr.Error})
				}
				tw.Render()
				return res.Err()
			})
		},
	}
	cmd.Flags().Int64Var(&developer, "developer", 0, "developer assignee id")
	cmd.Flags().Int64Var(&qc, "qc", 0, "qc assignee id")
	cmd.Flags().Int64Var(&designer, "designer", 0, "designer assignee id")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&desc, "description", "", "task description")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Work on the board"}
	task.AddCommand(taskMineCmd())
	task.AddCommand(taskMoveCmd())
	return task
}

func taskMineCmd() *cobra.Command {
	var assignee int64
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "List work assigned to someone, earliest deadline first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if assignee <= 0 {
				return fmt.Errorf("--assignee required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.AssignedWorkItems(ctx, assignee)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Requirement", "Role", "Status", "Progress", "Due", "Description"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, ptrString(w.RequirementID), w.Role, w.Status, fmt.Sprintf("%d%%", w.Progress),
						w.Window.End.Format("2006-01-02"), w.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&assignee, "assignee", 0, "assignee id")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "move <work-item-id> <column>",
		Short: "Move a work item to another column",
		Long:  "Columns are todo(1), in_progress(2), blocked(3), in_review(4) and done(5). --as acts with another actor's roles.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := parseColumn(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				if as != "" {
					a.Engine.Impersonate(actor, as)
					defer a.Engine.StopImpersonating(actor)
				}
				res, err := a.Engine.MoveWorkItem(ctx, engine.MoveRequest{ActorID: actor, WorkItemID: itemID, Target: target})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "act as another actor")
	return cmd
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{Use: "guard", Short: "Inspect board permissions"}
	g.AddCommand(guardCheckCmd())
	return g
}

func guardCheckCmd() *cobra.Command {
	var actor, from, to string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show which columns an actor may use, or check one move",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if from != "" || to != "" {
					src, err := parseColumn(from)
					if err != nil {
						return err
					}
					dst, err := parseColumn(to)
					if err != nil {
						return err
					}
					roles, err := a.Repo.ActorRoles(ctx, actor)
					if err != nil {
						return err
					}
					ok, reason := a.Engine.Guard.CanMove(roles, src, dst)
					return printJSONOrTable(map[string]any{"actor": actor, "roles": roles, "allowed": ok, "reason": reason})
				}
				access, err := a.Engine.BoardAccess(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(access)
				}
				tw := newTable(table.Row{"Column", "Draggable", "Droppable", "Reason"})
				for _, c := range access {
					tw.AppendRow(table.Row{c.Name, c.Draggable, c.Droppable, c.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&from, "from", "", "source column")
	cmd.Flags().StringVar(&to, "to", "", "target column")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Board role management"}
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a board role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			r, err := domain.ParseActorRole(role)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.GrantRole(ctx, target, r, a.Engine.Now().UTC())
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a board role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.RevokeRole(ctx, target, domain.ActorRole(role))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every role task change, board move and status change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID int64
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, projectID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, fmt.Sprintf("%s/%d", e.EntityKind, e.EntityID), e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

// loadConfig reads taskflow.yml and applies flag and TASKFLOW_* overrides.
func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if viper.IsSet("log.level") {
		cfg.Log.Level = viper.GetString("log.level")
	}
	if viper.IsSet("log.json") {
		cfg.Log.JSON = viper.GetBool("log.json")
	}
	if viper.IsSet("locks.backend") {
		cfg.Locks.Backend = viper.GetString("locks.backend")
	}
	if viper.IsSet("locks.redis_addr") {
		cfg.Locks.RedisAddr = viper.GetString("locks.redis_addr")
	}
	if viper.IsSet("events.amqp_url") {
		cfg.Events.AMQPURL = viper.GetString("events.amqp_url")
	}
	if viper.IsSet("metrics.out") {
		cfg.Metrics.Out = viper.GetString("metrics.out")
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Bootstrap(ctx, workspace, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	err = fn(ctx, a)
	if cfg.Metrics.Out != "" {
		if werr := metrics.WriteFile(cfg.Metrics.Out); werr != nil {
			logger.Warn("metrics export failed", zap.String("path", cfg.Metrics.Out), zap.Error(werr))
		}
	}
	return err
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
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

func parseID(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return v, nil
}

// parseColumn accepts a column number or a status name.
func parseColumn(s string) (domain.Column, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if c := domain.Column(n); c.Valid() {
			return c, nil
		}
		return 0, fmt.Errorf("invalid column %q", s)
	}
	c, ok := domain.ColumnOf(domain.WorkItemStatus(s))
	if !ok {
		return 0, fmt.Errorf("invalid column %q", s)
	}
	return c, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid time %q", s)
}

func optionalID(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func ptrString(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func idString(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
