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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/repo"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline drives regulatory report testing through a fixed graph of phases.
Core concepts:
- Report: the unit of work, with a catalog of items to test.
- Phase: one step of the graph (planning, scoping, ...). A phase starts once everything it requires is complete.
- Version: a snapshot of per-item decisions inside a phase. Drafts are edited, submitted, then approved or rejected.
- Decision record: one item in one version, holding an automated suggestion, the tester decision and the approver decision.
- Job: a resumable background run that fills suggestions from the configured provider.
- Event log: every change, view with 'pl log tail'.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/phaseline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Manage reports"}

	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.CreateReport(ctx, id, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "report id (generated when empty)")
	create.Flags().StringVar(&name, "name", "", "report name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListReports(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created by", "Created at")
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, r.CreatedBy, r.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "catalog", Short: "Report catalog items"}

	var file string
	add := &cobra.Command{
		Use:   "add <report-id>",
		Short: "Append catalog items from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var items []engine.CatalogItemInput
			if err := json.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.AddCatalogItems(ctx, args[0], items, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"added": n})
			})
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "", "JSON array of {id,name,description,is_critical,has_known_issue}")
	_ = add.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list <report-id>",
		Short: "List catalog items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListCatalog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("#", "ID", "Name", "Critical", "Known issue")
				for _, it := range items {
					tw.AppendRow(table.Row{it.Position, it.ID, it.Name, it.IsCritical, it.HasKnownIssue})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Phase orchestration"}

	start := &cobra.Command{
		Use:   "start <report-id> <phase>",
		Short: "Start a phase and open its first draft",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pi, err := rt.Engine.StartPhase(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(pi)
			})
		},
	}

	complete := &cobra.Command{
		Use:   "complete <report-id> <phase>",
		Short: "Complete a phase and start eligible dependents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.CompletePhase(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <report-id>",
		Short: "Show every declared phase with its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				views, err := rt.Engine.ListPhases(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := newTable("Phase", "Status", "Requires", "Current", "Approved", "Decided")
				for _, v := range views {
					current, approved, decided := "-", "-", "-"
					if v.Current != nil {
						current = fmt.Sprintf("v%d %s", v.Current.Number, v.Current.Status)
						decided = fmt.Sprintf("%d/%d", v.Current.Counters.Decided, v.Current.Counters.Total)
					}
					if v.Approved != nil {
						approved = fmt.Sprintf("v%d", v.Approved.Number)
					}
					tw.AppendRow(table.Row{v.Name, v.Status, strings.Join(v.Requires, ","), current, approved, decided})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}

	cmd.AddCommand(start, complete, list)
	return cmd
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "version", Short: "Version lifecycle"}

	var parent string
	create := &cobra.Command{
		Use:   "create <phase-instance-id>",
		Short: "Open a draft version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.CreateVersion(ctx, engine.CreateVersionOptions{
					PhaseInstanceID: args[0],
					ParentVersionID: parent,
					ActorID:         actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	create.Flags().StringVar(&parent, "parent", "", "copy decisions from this version")

	show := &cobra.Command{
		Use:   "show <version-id>",
		Short: "Show a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.GetVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <phase-instance-id>",
		Short: "List versions of a phase instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("#", "ID", "Status", "Decided", "Accepted", "Declined", "Created by")
				for _, v := range items {
					tw.AppendRow(table.Row{v.Number, v.ID, v.Status, fmt.Sprintf("%d/%d", v.Counters.Decided, v.Counters.Total), v.Counters.Accepted, v.Counters.Declined, v.CreatedBy})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}

	submit := versionActionCmd("submit", "Submit a fully decided draft for approval", func(ctx context.Context, e engine.Engine, id string) (domain.Version, error) {
		return e.SubmitForApproval(ctx, id, actorID())
	})
	discard := versionActionCmd("discard", "Discard a draft", func(ctx context.Context, e engine.Engine, id string) (domain.Version, error) {
		return e.DiscardVersion(ctx, id, actorID())
	})

	var notes string
	approve := versionActionCmd("approve", "Approve a pending version", func(ctx context.Context, e engine.Engine, id string) (domain.Version, error) {
		return e.Approve(ctx, id, actorID(), notes)
	})
	approve.Flags().StringVar(&notes, "notes", "", "approval notes")

	var reason string
	reject := versionActionCmd("reject", "Reject a pending version", func(ctx context.Context, e engine.Engine, id string) (domain.Version, error) {
		return e.Reject(ctx, id, actorID(), reason)
	})
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = reject.MarkFlagRequired("reason")

	resubmit := &cobra.Command{
		Use:   "resubmit <phase-instance-id>",
		Short: "Open a draft that carries approver feedback from the latest decided version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.ResubmitFromFeedback(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}

	diff := &cobra.Command{
		Use:   "diff <from-version-id> <to-version-id>",
		Short: "Compare the decisions of two versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.DiffVersions(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Print(d.Patch)
				fmt.Printf("%d changed, %d unchanged\n", len(d.Changes), d.Unchanged)
				return nil
			})
		},
	}

	cmd.AddCommand(create, show, list, submit, approve, reject, discard, resubmit, diff)
	return cmd
}

func versionActionCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.Version, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <version-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := fn(ctx, rt.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "record", Short: "Decision records"}

	var undecided bool
	list := &cobra.Command{
		Use:   "list <version-id>",
		Short: "List decision records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				recs, err := rt.Engine.ListRecords(ctx, args[0], undecided)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable("#", "Item", "Suggested", "Tester", "Approver", "Override")
				for _, r := range recs {
					suggested, tester, approver := "-", "-", "-"
					if r.Suggestion != nil {
						suggested = fmt.Sprintf("%s (%.2f)", r.Suggestion.Action, r.Suggestion.Confidence)
					}
					if r.Tester != nil {
						tester = r.Tester.Action
					}
					if r.Approver != nil {
						approver = r.Approver.Action
					}
					tw.AppendRow(table.Row{r.Position, r.ItemID, suggested, tester, approver, r.Override})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().BoolVar(&undecided, "undecided", false, "only records without a tester decision")

	var kind, action, comment string
	decide := &cobra.Command{
		Use:   "decide <version-id> <item-id>",
		Short: "Record a tester or approver decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Engine.ApplyDecision(ctx, domain.DecisionKind(kind), args[0], args[1], engine.DecisionInput{Action: action, Comment: comment}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}

	bulk := &cobra.Command{
		Use:   "bulk <version-id> <item-id>...",
		Short: "Apply one decision to many records",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.BulkApply(ctx, domain.DecisionKind(kind), args[0], args[1:], engine.DecisionInput{Action: action, Comment: comment}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}

	for _, c := range []*cobra.Command{decide, bulk} {
		c.Flags().StringVar(&kind, "kind", string(domain.DecisionTester), "decision slot: tester or approver")
		c.Flags().StringVar(&action, "action", "", "accept|decline for testers, approve|reject|revise for approvers")
		c.Flags().StringVar(&comment, "comment", "", "rationale or feedback")
		_ = c.MarkFlagRequired("action")
	}

	cmd.AddCommand(list, decide, bulk)
	return cmd
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Suggestion jobs"}

	var wait bool
	submit := &cobra.Command{
		Use:   "submit <version-id>",
		Short: "Generate suggestions for every record of a version in the background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Batch.DescribeRecords(ctx, args[0])
				if err != nil {
					return err
				}
				runCtx, stop := context.WithCancel(ctx)
				defer stop()
				go rt.Batch.Run(runCtx)
				job, err := rt.Batch.Submit(ctx, args[0], items, actorID())
				if err != nil {
					return err
				}
				if !wait {
					fmt.Fprintln(os.Stderr, "job queued; run 'pl serve' or 'pl job resume' to keep it going after exit")
					return printJSONOrTable(job)
				}
				st, err := waitJob(runCtx, rt, job.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	submit.Flags().BoolVar(&wait, "wait", true, "process the job in this process and wait for it to stop")

	populate := &cobra.Command{
		Use:   "populate <version-id>",
		Short: "Generate suggestions, inline when the version is small",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Batch.DescribeRecords(ctx, args[0])
				if err != nil {
					return err
				}
				runCtx, stop := context.WithCancel(ctx)
				defer stop()
				go rt.Batch.Run(runCtx)
				res, err := rt.Batch.Populate(ctx, args[0], items, actorID())
				if err != nil {
					return err
				}
				if res.Job != nil {
					if _, err := waitJob(runCtx, rt, res.Job.ID); err != nil {
						return err
					}
				}
				return printJSONOrTable(res)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Batch.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}

	pause := &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Ask a running job to pause at the next item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Batch.Pause(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}

	resume := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				runCtx, stop := context.WithCancel(ctx)
				defer stop()
				go rt.Batch.Run(runCtx)
				job, err := rt.Batch.Resume(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				st, err := waitJob(runCtx, rt, job.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}

	var versionID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs of a version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				jobs, err := rt.Batch.ListJobs(ctx, versionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable("ID", "State", "Progress", "Succeeded", "Failed", "Resumed from")
				for _, j := range jobs {
					from := "-"
					if j.ResumedFrom != nil {
						from = *j.ResumedFrom
					}
					tw.AppendRow(table.Row{j.ID, j.State, fmt.Sprintf("%d/%d", j.Cursor, j.Total), j.Succeeded, j.Failed, from})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&versionID, "version", "", "version id")
	_ = list.MarkFlagRequired("version")

	cmd.AddCommand(submit, populate, status, pause, resume, list)
	return cmd
}

// waitJob follows a job until it stops. Progress snapshots come from the
// in-process subscription; polling covers a job that ended before subscribing.
func waitJob(ctx context.Context, rt *app.Runtime, jobID string) (domain.JobStatus, error) {
	updates, cancel := rt.Batch.Subscribe(jobID)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.JobStatus{}, ctx.Err()
		case st, ok := <-updates:
			if ok && st.State == domain.JobRunning {
				rt.Logger.Debug("job progress", zap.String("job_id", jobID), zap.Int("cursor", st.Cursor), zap.Int("total", st.Total))
				continue
			}
			updates = nil
		case <-ticker.C:
		}
		st, err := rt.Batch.GetStatus(ctx, jobID)
		if err != nil {
			return domain.JobStatus{}, err
		}
		if st.State != domain.JobRunning {
			return st, nil
		}
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change: reports, phases, versions, decisions and jobs.",
	}

	var n int
	var reportID, evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.ListEvents(ctx, rt.DB, repo.EventFilters{
					ReportID:   reportID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "At", "Type", "Entity", "Actor", "Payload")
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&reportID, "report", "", "report id")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")

	log.AddCommand(tail)
	return log
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(runtimeOptions())
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and print the phase order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(runtimeOptions())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			order, err := cfg.PhaseOrder()
			if err != nil {
				return err
			}
			fmt.Println("config ok:", strings.Join(order, " -> "))
			return nil
		},
	}

	cmd.AddCommand(initCmd, show, validate)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.Open(ctx, runtimeOptions())
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PHASELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowHeader,
				Logger:                 rt.Logger,
			}
			if authCfg.JWTSecret == "" && !allowHeader {
				return fmt.Errorf("PHASELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Batch:    rt.Batch,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   rt.Logger,
			})
			if err != nil {
				return err
			}

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			workers := make(chan error, 1)
			go func() { workers <- rt.Batch.Run(runCtx) }()
			if hooks := server.NewWebhookDispatcher(rt.Engine.Repo, rt.Config.Webhooks, rt.Logger); hooks != nil {
				go hooks.Run(runCtx)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.Logger.Info("serving phaseline api", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			stop()
			return <-workers
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&allowHeader, "allow-actor-header", false, "accept X-Actor-Id/X-Actor-Roles without a token (local use)")
	return cmd
}

// --- helpers ---

func actorID() string { return viper.GetString("actor-id") }

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
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
