package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"runline/internal/app"
	"runline/internal/db"
	"runline/internal/domain"
	"runline/internal/engine"
	"runline/internal/engine/auth"
	"runline/internal/notify"
	"runline/internal/repo"
	"runline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Runline CLI",
	Long: `Runline manages the lifecycle of scheduled events and their runs.
- Workspace: your .runline directory holding the database; runline.yml configures auth and webhooks.
- Event: a draft that moves draft -> awaiting_approval -> approved -> published (-> canceled).
- Submit hands back an approval link token; anyone holding it can approve that one event.
- Publish turns the event into concrete runs, expanding weekly recurrence per selected weekday.
- Runs are immutable once created; canceling an event never retracts them.
- Journal: the append-only record of every lifecycle change, view with 'rl log tail'.`,
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
	viper.SetEnvPrefix("RUNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func eventCmd() *cobra.Command {
	event := &cobra.Command{
		Use:   "event",
		Short: "Manage events",
		Long:  "Events start as drafts, get submitted for approval, and once published materialize into runs.",
	}
	event.AddCommand(eventCreateCmd())
	event.AddCommand(eventListCmd())
	event.AddCommand(eventShowCmd())
	event.AddCommand(eventSubmitCmd())
	event.AddCommand(eventApproveCmd())
	event.AddCommand(eventPublishCmd())
	event.AddCommand(eventCancelCmd())
	return event
}

func eventCreateCmd() *cobra.Command {
	var opts engine.EventCreateOptions
	var date, endsOn string
	var repeatsOn []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OwnerID = viper.GetString("actor-id")
			var err error
			opts.Date, err = parseDateFlag("date", date)
			if err != nil {
				return err
			}
			if endsOn != "" {
				opts.Termination.On, err = parseDateFlag("ends-on", endsOn)
				if err != nil {
					return err
				}
			}
			opts.RepeatsOn, err = parseWeekdays(repeatsOn)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateEvent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "event name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Country, "country", "", "country")
	cmd.Flags().StringVar(&opts.City, "city", "", "city")
	cmd.Flags().StringVar(&opts.Street, "street", "", "street")
	cmd.Flags().StringVar(&opts.HouseNumber, "house-number", "", "house number")
	cmd.Flags().StringVar(&opts.PostalCode, "postal-code", "", "postal code")
	cmd.Flags().StringVar(&date, "date", "", "anchor date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.StartsAt, "starts-at", "", "start time (HH:MM)")
	cmd.Flags().BoolVar(&opts.Recurrent, "recurrent", false, "repeat weekly")
	cmd.Flags().StringArrayVar(&repeatsOn, "on", []string{}, "weekday to repeat on (repeatable, e.g. --on monday)")
	cmd.Flags().BoolVar(&opts.Termination.OneYear, "ends-one-year", false, "stop expanding one year after the anchor")
	cmd.Flags().IntVar(&opts.Termination.AfterOccurrences, "ends-after", 0, "stop after N occurrences per weekday")
	cmd.Flags().StringVar(&endsOn, "ends-on", "", "stop on this date inclusive (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("starts-at")
	return cmd
}

func eventListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Date", "Starts", "Recurrent", "State"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Name, ev.Date.Format("2006-01-02"), ev.StartsAt, ev.Recurrent, ev.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	return cmd
}

func eventShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func eventSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit an event for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Submit(ctx, args[0], cliActor(ctx, e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("Event %s is awaiting approval; reviewers have been notified.\n", ev.ID)
				return nil
			})
		},
	}
	return cmd
}

func eventApproveCmd() *cobra.Command {
	var rawToken string
	cmd := &cobra.Command{
		Use:   "approve [id]",
		Short: "Approve a submitted event, by id or by approval token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rawToken == "" && len(args) == 0 {
				return fmt.Errorf("event id or --token required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var ev domain.Event
				var err error
				if rawToken != "" {
					ev, err = e.ApproveByToken(ctx, rawToken)
				} else {
					ev, err = e.Approve(ctx, args[0], cliActor(ctx, e))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&rawToken, "token", "", "approval token from the reviewer notification")
	return cmd
}

func eventPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish an approved event and materialize its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, runs, err := e.Publish(ctx, args[0], cliActor(ctx, e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"event": ev, "runs_created": len(runs)})
				}
				fmt.Printf("Published %s: %d run(s) created.\n", ev.ID, len(runs))
				return nil
			})
		},
	}
	return cmd
}

func eventCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a published event (runs stay)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Cancel(ctx, args[0], cliActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect materialized runs"}
	run.AddCommand(runListCmd())
	return run
}

func runListCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs for an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventID == "" {
				return fmt.Errorf("--event required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.ListRuns(ctx, eventID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Starts"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Date.Format("2006-01-02"), r.StartsAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Lifecycle journal",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var eventID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ListJournal(ctx, eventID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&eventID, "event", "", "event id filter")
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Actor roles"}
	cmd.AddCommand(roleGrantCmd())
	return cmd
}

func roleGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.GrantRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", auth.RoleApprover, "role id")
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "API keys"}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyDeleteCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key prints once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			rawKey := "rl_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actorID,
				Name:    name,
				KeyHash: repo.HashAPIKey(rawKey),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": rawKey})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Key (store it now, it is not shown again): %s\n", rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
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

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Approval tokens"}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue <event-id>",
		Short: "Reissue the approval token for a submitted event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				minted, err := e.MintApprovalToken(ctx, args[0], cliActor(ctx, e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"approval_token": minted})
				}
				fmt.Println(minted)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, closeFn, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer closeFn()
			jwtSecret := os.Getenv("RUNLINE_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = e.Config.Auth.JWTSecret
			}
			if jwtSecret == "" {
				return fmt.Errorf("RUNLINE_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			authCfg := server.AuthConfig{
				JWTSecret:        jwtSecret,
				AllowActorHeader: e.Config.Auth.AllowActorHeader,
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if d := notify.NewDispatcher(e.Repo, e.Config.Webhooks); d != nil {
				d.Start(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Runline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeFn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

// cliActor resolves the --actor-id flag against stored roles so a locally
// granted approver can approve from the CLI.
func cliActor(ctx context.Context, e engine.Engine) domain.Actor {
	actorID := viper.GetString("actor-id")
	actor, err := e.Auth.Resolve(ctx, actorID)
	if err != nil {
		return domain.Actor{ID: actorID}
	}
	return actor
}

func parseDateFlag(flag, value string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD", flag)
	}
	return t, nil
}

func parseWeekdays(names []string) (domain.WeekdayMask, error) {
	var mask domain.WeekdayMask
	for _, name := range names {
		idx := -1
		for i, known := range domain.WeekdayNames {
			if strings.EqualFold(strings.TrimSpace(name), known) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return mask, fmt.Errorf("unknown weekday %q", name)
		}
		mask[idx] = true
	}
	return mask, nil
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
