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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"rotaguard/internal/app"
	"rotaguard/internal/config"
	"rotaguard/internal/db"
	"rotaguard/internal/domain"
	"rotaguard/internal/engine"
	"rotaguard/internal/notify"
	"rotaguard/internal/repo"
	"rotaguard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rota",
	Short: "Care-home roster compliance and shortage fulfilment",
	Long: `rota checks a care-home roster against working-time, rest, staffing and leave rules,
records violations, and turns staffing shortfalls into shortage alerts that staff can claim.
- Rules: configured in rota.yml and seeded into the database on every start.
- Checks: 'rota check run' evaluates each rule in its own check run; one failing rule never stops the rest.
- Alerts: shortages become alerts; invited staff accept or decline, and the alert fills exactly once.
- Events: every change is appended to an outbox that 'rota relay' delivers to webhooks, Redis and MQTT.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("db-driver") == db.DriverPostgres {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROTA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded on events")
	flags.String("db-driver", db.DriverSQLite, "database driver (sqlite or postgres)")
	flags.String("db-dsn", "", "database DSN (defaults to the workspace SQLite file)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json or console)")
	for _, name := range []string{"workspace", "json", "actor-id", "db-driver", "db-dsn", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(violationCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(shiftCmd())
	rootCmd.AddCommand(leaveCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(responseCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
}

func initCmd() *cobra.Command {
	var homeName string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create rota.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			written := false
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) || force {
				if err := os.WriteFile(path, []byte(config.GenerateDefault(homeName)), 0o644); err != nil {
					return err
				}
				written = true
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.Repo.ListRules(ctx, "", false)
				if err != nil {
					return err
				}
				out := map[string]any{"config": path, "config_written": written, "rules": len(rules)}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if written {
					fmt.Printf("Wrote %s\n", path)
				} else {
					fmt.Printf("Kept existing %s\n", path)
				}
				fmt.Printf("Seeded %d rules\n", len(rules))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&homeName, "home-name", "care-home", "care home name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing rota.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect rota.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate rota.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
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

func ruleCmd() *cobra.Command {
	r := &cobra.Command{Use: "rule", Short: "Inspect compliance rules"}
	var category string
	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRules(ctx, category, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.Code, it.Name, it.Category, it.Severity, it.IsActive})
				}
				printTable(table.Row{"Code", "Name", "Category", "Severity", "Active"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&category, "category", "", "filter by category")
	list.Flags().BoolVar(&activeOnly, "active", false, "only active rules")
	r.AddCommand(list)
	return r
}

func checkCmd() *cobra.Command {
	c := &cobra.Command{Use: "check", Short: "Run and inspect compliance checks"}
	c.AddCommand(checkRunCmd())
	c.AddCommand(checkListCmd())
	return c
}

func checkRunCmd() *cobra.Command {
	var start, end, category string
	var codes []string
	var resume bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate rules over a period",
		Long:  "Each rule runs in its own check run. A failing rule is recorded as FAILED and the batch continues; the command only fails on unexpected errors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				from, to, err := e.CheckPeriod(start, end)
				if err != nil {
					return err
				}
				res, err := e.RunChecks(ctx, engine.RunOptions{
					Start:    from,
					End:      to,
					Codes:    codes,
					Category: category,
					Resume:   resume,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				rows := make([]table.Row, 0, len(res.Runs))
				for _, run := range res.Runs {
					rows = append(rows, table.Row{run.RuleCode, run.Status, run.ItemsChecked, run.ViolationsFound, run.ResultSummary})
				}
				printTable(table.Row{"Rule", "Status", "Items", "Violations", "Summary"}, rows)
				fmt.Printf("Batch %s %s..%s: %d violations, %d failed, %d alerts created\n",
					res.BatchID, res.PeriodStart, res.PeriodEnd, res.ViolationsFound, res.Failed, res.AlertsCreated)
				if len(res.UnknownCodes) > 0 {
					fmt.Printf("Unknown rule codes: %s\n", strings.Join(res.UnknownCodes, ", "))
				}
				if len(res.Skipped) > 0 {
					fmt.Printf("Skipped (already completed): %s\n", strings.Join(res.Skipped, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&end, "end", "", "last day (YYYY-MM-DD, default today+7)")
	cmd.Flags().StringSliceVar(&codes, "rules", nil, "rule codes to run (default: all active)")
	cmd.Flags().StringVar(&category, "category", "", "only rules in this category")
	cmd.Flags().BoolVar(&resume, "resume", false, "skip rules already completed for this period")
	return cmd
}

func checkListCmd() *cobra.Command {
	var f repo.CheckRunFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List check runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCheckRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, run := range items {
					rows = append(rows, table.Row{run.ID, run.RuleCode, run.PeriodStart, run.PeriodEnd, run.Status, run.ViolationsFound})
				}
				printTable(table.Row{"ID", "Rule", "Start", "End", "Status", "Violations"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BatchID, "batch", "", "batch id")
	cmd.Flags().StringVar(&f.RuleCode, "rule", "", "rule code")
	cmd.Flags().StringVar(&f.Status, "status", "", "run status")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func violationCmd() *cobra.Command {
	v := &cobra.Command{Use: "violation", Short: "Review violations"}
	var f repo.ViolationFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListViolations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.RuleCode, it.Severity, it.Status, stringValue(it.SubjectDate), it.Description})
				}
				printTable(table.Row{"ID", "Rule", "Severity", "Status", "Date", "Description"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.RuleCode, "rule", "", "rule code")
	list.Flags().StringVar(&f.StaffID, "staff", "", "affected staff id")
	list.Flags().StringVar(&f.CheckRunID, "run", "", "check run id")
	list.Flags().StringVar(&f.From, "from", "", "subject date from")
	list.Flags().StringVar(&f.To, "to", "", "subject date to")
	list.Flags().IntVar(&f.Limit, "limit", 100, "max rows")

	var to, note string
	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Move a violation to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				updated, err := e.UpdateViolationStatus(ctx, args[0], strings.ToUpper(to), note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	status.Flags().StringVar(&to, "to", "", "new status")
	status.Flags().StringVar(&note, "note", "", "resolution note")
	_ = status.MarkFlagRequired("to")

	v.AddCommand(list, status)
	return v
}

func staffCmd() *cobra.Command {
	s := &cobra.Command{Use: "staff", Short: "Manage staff"}
	var in engine.StaffInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a staff member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.ActorID = viper.GetString("actor-id")
				st, err := e.AddStaff(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	add.Flags().StringVar(&in.ID, "id", "", "staff id (default generated)")
	add.Flags().StringVar(&in.Name, "name", "", "display name")
	add.Flags().StringVar(&in.Unit, "unit", "", "unit (default home unit)")
	add.Flags().StringVar(&in.Role, "role", "carer", "job role")
	_ = add.MarkFlagRequired("name")

	var unit string
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List staff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListStaff(ctx, unit, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.Name, it.Unit, it.Role, it.Active})
				}
				printTable(table.Row{"ID", "Name", "Unit", "Role", "Active"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&unit, "unit", "", "unit filter")
	list.Flags().BoolVar(&all, "all", false, "include inactive staff")

	deactivate := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop inviting and checking a staff member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.SetStaffActive(ctx, args[0], false); err != nil {
					return err
				}
				st, err := e.Repo.GetStaff(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	s.AddCommand(add, list, deactivate)
	return s
}

func shiftCmd() *cobra.Command {
	s := &cobra.Command{Use: "shift", Short: "Manage the shift ledger"}
	var in engine.ShiftInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Schedule a shift",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.ActorID = viper.GetString("actor-id")
				sh, err := e.AddShift(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(sh)
			})
		},
	}
	add.Flags().StringVar(&in.StaffID, "staff", "", "staff id")
	add.Flags().StringVar(&in.ShiftDate, "date", "", "shift date (YYYY-MM-DD)")
	add.Flags().StringVar(&in.ShiftType, "type", "DAY", "shift type from rota.yml")
	add.Flags().StringVar(&in.Unit, "unit", "", "unit (default staff unit)")
	add.Flags().StringVar(&in.StartTime, "start", "", "start HH:MM (default from shift type)")
	add.Flags().StringVar(&in.EndTime, "end", "", "end HH:MM (default from shift type)")
	add.Flags().StringVar(&in.Status, "status", "", "shift status (default SCHEDULED)")
	_ = add.MarkFlagRequired("staff")
	_ = add.MarkFlagRequired("date")

	var f repo.ShiftFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List shifts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListShifts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.ShiftDate, it.ShiftType, it.StaffID, it.Unit, it.StartTime + "-" + it.EndTime, it.Status})
				}
				printTable(table.Row{"ID", "Date", "Type", "Staff", "Unit", "Hours", "Status"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.StaffID, "staff", "", "staff id")
	list.Flags().StringVar(&f.Unit, "unit", "", "unit")
	list.Flags().StringVar(&f.From, "from", "", "from date")
	list.Flags().StringVar(&f.To, "to", "", "to date")
	list.Flags().StringVar(&f.Status, "status", "", "status")
	list.Flags().BoolVar(&f.IncludeCancelled, "include-cancelled", false, "include cancelled shifts")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a shift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sh, err := e.CancelShift(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(sh)
			})
		},
	}
	s.AddCommand(add, list, cancel)
	return s
}

func leaveCmd() *cobra.Command {
	l := &cobra.Command{Use: "leave", Short: "Record staff leave"}
	var in engine.LeaveInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Record leave",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.ActorID = viper.GetString("actor-id")
				lv, err := e.AddLeave(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(lv)
			})
		},
	}
	add.Flags().StringVar(&in.StaffID, "staff", "", "staff id")
	add.Flags().StringVar(&in.StartDate, "start", "", "first day (YYYY-MM-DD)")
	add.Flags().StringVar(&in.EndDate, "end", "", "last day (default start)")
	add.Flags().StringVar(&in.Kind, "kind", "annual", "leave kind")
	add.Flags().StringVar(&in.Status, "status", "", "PENDING, APPROVED or REJECTED")
	_ = add.MarkFlagRequired("staff")
	_ = add.MarkFlagRequired("start")

	var to string
	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Approve or reject leave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lv, err := e.SetLeaveStatus(ctx, args[0], strings.ToUpper(to), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(lv)
			})
		},
	}
	status.Flags().StringVar(&to, "to", "", "new status")
	_ = status.MarkFlagRequired("to")

	var staffID, leaveStatus, from, until string
	list := &cobra.Command{
		Use:   "list",
		Short: "List leave",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLeaves(ctx, staffID, leaveStatus, from, until)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.StaffID, it.StartDate, it.EndDate, it.Kind, it.Status})
				}
				printTable(table.Row{"ID", "Staff", "Start", "End", "Kind", "Status"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&staffID, "staff", "", "staff id")
	list.Flags().StringVar(&leaveStatus, "status", "", "status")
	list.Flags().StringVar(&from, "from", "", "from date")
	list.Flags().StringVar(&until, "to", "", "to date")

	l.AddCommand(add, status, list)
	return l
}

func alertCmd() *cobra.Command {
	a := &cobra.Command{Use: "alert", Short: "Manage shortage alerts"}

	var f repo.AlertFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAlerts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.ShiftDate, it.ShiftType, it.Unit, it.Status, it.Priority,
						fmt.Sprintf("%d/%d", it.AcceptedResponses, it.Shortage), it.ExpiresAt})
				}
				printTable(table.Row{"ID", "Date", "Type", "Unit", "Status", "Priority", "Filled", "Expires"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Unit, "unit", "", "unit")
	list.Flags().StringVar(&f.From, "from", "", "shift date from")
	list.Flags().StringVar(&f.To, "to", "", "shift date to")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an alert and its invitations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetAlert(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}

	var in engine.AlertInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a shortage alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.ActorID = viper.GetString("actor-id")
				created, err := e.CreateAlert(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&in.ShiftDate, "date", "", "shift date (YYYY-MM-DD)")
	create.Flags().StringVar(&in.ShiftType, "type", "DAY", "shift type")
	create.Flags().StringVar(&in.Unit, "unit", "", "unit (default home unit)")
	create.Flags().IntVar(&in.RequiredStaff, "required", 0, "required head count")
	create.Flags().IntVar(&in.CurrentStaff, "current", 0, "current head count")
	_ = create.MarkFlagRequired("date")
	_ = create.MarkFlagRequired("required")

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cancelled, err := e.CancelAlert(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cancelled)
			})
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	expire := &cobra.Command{
		Use:   "expire",
		Short: "Mark past-due pending alerts UNFILLED",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				expired, err := e.ExpireAlerts(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(expired)
				}
				fmt.Printf("%d alerts expired\n", len(expired))
				return nil
			})
		},
	}

	var staffIDs []string
	var limit int
	invite := &cobra.Command{
		Use:   "invite <id>",
		Short: "Invite staff to an alert (available staff when --staff is omitted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				var invited []domain.AlertResponse
				var err error
				if len(staffIDs) > 0 {
					invited, err = e.InviteStaff(ctx, args[0], staffIDs, actor)
				} else {
					invited, err = e.InviteAvailable(ctx, args[0], limit, actor)
				}
				if err != nil {
					return err
				}
				return printResponses(invited)
			})
		},
	}
	invite.Flags().StringSliceVar(&staffIDs, "staff", nil, "staff ids to invite")
	invite.Flags().IntVar(&limit, "limit", 0, "max staff to invite (default alerts.invite_limit)")

	a.AddCommand(list, show, create, cancel, expire, invite)
	return a
}

func responseCmd() *cobra.Command {
	r := &cobra.Command{Use: "response", Short: "Answer shortage invitations"}
	accept := &cobra.Command{
		Use:   "accept <response-id>",
		Short: "Accept an invitation and claim the shift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shift, err := e.AcceptShift(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(shift)
			})
		},
	}
	decline := &cobra.Command{
		Use:   "decline <response-id>",
		Short: "Decline an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ar, err := e.DeclineResponse(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ar)
			})
		},
	}
	var alertID, staffID, response string
	list := &cobra.Command{
		Use:   "list",
		Short: "List invitations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListResponses(ctx, alertID, staffID, strings.ToUpper(response))
				if err != nil {
					return err
				}
				return printResponses(items)
			})
		},
	}
	list.Flags().StringVar(&alertID, "alert", "", "alert id")
	list.Flags().StringVar(&staffID, "staff", "", "staff id")
	list.Flags().StringVar(&response, "response", "", "response filter")
	r.AddCommand(accept, decline, list)
	return r
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for integrations"}
	var actor, name string
	var roles []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := "rk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					Roles:     roles,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "actor_id": key.ActorID, "roles": key.Roles, "key": secret}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&roles, "roles", nil, "roles granted (e.g. manager)")
	_ = create.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				rows := make([]table.Row, 0, len(keys))
				for _, key := range keys {
					rows = append(rows, table.Row{key.ID, key.ActorID, key.Name, strings.Join(key.Roles, ","), key.CreatedAt})
				}
				printTable(table.Row{"ID", "Actor", "Name", "Roles", "Created"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "actor filter")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, evt := range items {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				printTable(table.Row{"ID", "Time", "Type", "Entity", "Actor"}, rows)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, withRelay bool
	var expireEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the notification relay and the alert expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return fmt.Errorf("ROTA_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Logger:   e.Logger,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: viper.GetBool("allow-legacy-actor"),
						EnableDevLogin:         devLogin,
						Logger:                 e.Logger,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					e.Logger.Info("serving rota API", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if withRelay {
					relay, closeSinks, err := buildRelay(e)
					if err != nil {
						return err
					}
					defer closeSinks()
					g.Go(func() error { return relay.Run(gctx) })
				}
				if expireEvery > 0 {
					g.Go(func() error { return sweepExpired(gctx, e, expireEvery) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (local testing only)")
	cmd.Flags().BoolVar(&withRelay, "relay", true, "run the notification relay")
	cmd.Flags().DurationVar(&expireEvery, "expire-every", time.Minute, "alert expiry sweep interval (0 disables)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("allow-legacy-actor", false, "accept unauthenticated X-Actor-Id headers")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("allow-legacy-actor", cmd.Flags().Lookup("allow-legacy-actor"))
	return cmd
}

func sweepExpired(ctx context.Context, e engine.Engine, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.ExpireAlerts(ctx, "system"); err != nil && ctx.Err() == nil {
				e.Logger.Error("alert expiry sweep failed", zap.Error(err))
			}
		}
	}
}

func relayCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver outbox events to the configured sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				relay, closeSinks, err := buildRelay(e)
				if err != nil {
					return err
				}
				defer closeSinks()
				if loop {
					return relay.Run(ctx)
				}
				n, err := relay.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"delivered": n, "sinks": len(relay.Sinks)})
				}
				fmt.Printf("Delivered %d events to %d sinks\n", n, len(relay.Sinks))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep polling until interrupted")
	return cmd
}

func buildRelay(e engine.Engine) (notify.Relay, func(), error) {
	cfg := e.Config.Notifications
	sinks, closeSinks, err := notify.BuildSinks(cfg, e.Logger)
	if err != nil {
		return notify.Relay{}, nil, err
	}
	if len(sinks) == 0 {
		e.Logger.Warn("no notification sinks configured")
	}
	return notify.Relay{
		Repo:     e.Repo,
		Sinks:    sinks,
		Logger:   e.Logger.Named("relay"),
		Interval: time.Duration(cfg.IntervalSeconds) * time.Second,
		Batch:    cfg.BatchSize,
		Now:      e.Now,
	}, closeSinks, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, release, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("db-driver"),
		DSN:       viper.GetString("db-dsn"),
		ActorID:   viper.GetString("actor-id"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
	})
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, e)
}

func printResponses(items []domain.AlertResponse) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	rows := make([]table.Row, 0, len(items))
	for _, it := range items {
		rows = append(rows, table.Row{it.ID, it.AlertID, it.StaffID, it.Response, stringValue(it.ShiftID)})
	}
	printTable(table.Row{"ID", "Alert", "Staff", "Response", "Shift"}, rows)
	return nil
}

func printTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
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

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
