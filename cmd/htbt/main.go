package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"htbtracker/internal/app"
	"htbtracker/internal/config"
	"htbtracker/internal/domain"
	"htbtracker/internal/repo"
	"htbtracker/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "htbt",
	Short: "HTB university team tracker",
	Long: `htbt tracks which Hack The Box challenges, machine flags and fortress flags
no member of a university team has completed yet, and announces first bloods.

- Facts: "member X completed item Y" records, pulled from each member's activity.
- Outstanding: every catalog item with no fact, rebuilt weekly by a full sync.
- Poll: applies each member's latest activity; a new fact with no earlier holder is a first blood.
- Board: outstanding items grouped for display, mirrored to Discord.
- Event log: what each run did, view with 'htbt log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HTBT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("token", "", "HTB app token (HTBT_HTB_TOKEN)")
	flags.String("university", "", "HTB university id (HTBT_HTB_UNIVERSITY_ID)")
	flags.String("log-level", "", "log level (HTBT_LOG_LEVEL)")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("htb.token", flags.Lookup("token"))
	_ = viper.BindPFlag("htb.university_id", flags.Lookup("university"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	for _, key := range config.OverrideKeys {
		_ = viper.BindEnv(key)
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(rebuildCmd())
	rootCmd.AddCommand(todoCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(membersCmd())
	rootCmd.AddCommand(factsCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func appOptions(upstream bool) app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		Override:  viper.GetString,
		Upstream:  upstream,
	}
}

func withApp(ctx context.Context, upstream bool, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, appOptions(upstream))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var noAPI bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the poll loop, the weekly full sync and the read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				tree, err := a.Supervise(!noAPI)
				if err != nil {
					return err
				}
				if !noAPI {
					fmt.Printf("Serving HTB tracker API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
						a.Config.Server.Addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
				}
				err = tree.Serve(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the HTTP API")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh members, catalog and facts, then rebuild the outstanding table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				rep, err := a.Tracker.FullSync(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("run %s: %d members, %d new facts, %d outstanding (%s)\n",
					rep.RunID, rep.Members, rep.Facts.Inserted, rep.Rebuild.Total(), rep.Duration.Round(1e6))
				warnList("catalog fetch failed", rep.Catalog.Failed)
				warnList("fortress flags unavailable", rep.Rebuild.FlagFailures)
				if rep.MemberFailures > 0 {
					color.Yellow("%d member(s) skipped", rep.MemberFailures)
				}
				return nil
			})
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Apply every member's latest activity once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				rep, err := a.Tracker.Poll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("run %s: %d members, %d new facts\n", rep.RunID, rep.Members, rep.NewFacts)
				for _, fb := range rep.FirstBloods {
					printFirstBlood(fb)
				}
				if rep.MemberFailures > 0 {
					color.Yellow("%d member(s) skipped", rep.MemberFailures)
				}
				return nil
			})
		},
	}
}

func rebuildCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute the outstanding table from stored facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				res, err := a.Tracker.Rebuild(ctx)
				if err != nil {
					return err
				}
				if publish {
					if err := a.Tracker.PublishBoard(ctx); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Kind", "Outstanding"})
				for _, k := range domain.OutstandingKinds {
					tw.AppendRow(table.Row{k, res.Counts[k]})
				}
				tw.AppendFooter(table.Row{"Total", res.Total()})
				tw.Render()
				warnList("fortress flags unavailable", res.FlagFailures)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "republish the Discord board")
	return cmd
}

func todoCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "todo",
		Short: "List outstanding items",
		RunE: func(cmd *cobra.Command, args []string) error {
			var k domain.OutstandingKind
			if kind != "" {
				parsed, err := domain.ParseOutstandingKind(kind)
				if err != nil {
					return err
				}
				k = parsed
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Outstanding(ctx, k)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Kind", "Key", "Name"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Kind, e.Key, e.Name})
				}
				tw.AppendFooter(table.Row{"", "Total", len(items)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "challenge, machine_user, machine_root or fortress_flag")
	return cmd
}

func boardCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show outstanding items grouped by challenge, machine and fortress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.Board(ctx)
				if err != nil {
					return err
				}
				if publish {
					if err := a.Notifier.PublishBoard(ctx, b); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				if b.Empty() {
					color.Green("Nothing left. Every tracked item has a holder.")
					return nil
				}
				printBoard(b)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "also publish the board to Discord")
	return cmd
}

func membersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List tracked members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				members, err := a.Engine.Repo.ListMembers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				counts, err := a.Engine.Repo.FactCounts(ctx)
				if err != nil {
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.ID, m.Name})
				}
				tw.AppendFooter(table.Row{"Total", len(members)})
				tw.Render()
				fmt.Printf("Facts: %d challenges, %d machine flags, %d fortress flags\n",
					counts[domain.KindChallenge], counts[domain.KindMachine], counts[domain.KindFortress])
				return nil
			})
		},
	}
}

func factsCmd() *cobra.Command {
	var memberID string
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List the completion facts of a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if memberID == "" {
				return fmt.Errorf("--member required")
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetMember(ctx, memberID); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("member %s not found", memberID)
					}
					return err
				}
				facts, err := a.Engine.Repo.ListFacts(ctx, memberID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(facts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Kind", "Item", "Flag", "Recorded"})
				for _, f := range facts {
					tw.AppendRow(table.Row{f.Kind, f.ItemID, f.Flag, f.RecordedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	return cmd
}

func applyCmd() *cobra.Command {
	var (
		memberID string
		ev       domain.ActivityEvent
		kind     string
		notify   bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply one activity event by hand",
		Long:  "Records a completion as if it came from the member's activity feed. Machine events take --flag user|root, fortress events take --flag <title>.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if memberID == "" || ev.ID == "" {
				return fmt.Errorf("--member and --id required")
			}
			ev.ObjectType = domain.Kind(strings.ToLower(kind))
			if !ev.ObjectType.Valid() {
				return fmt.Errorf("invalid --kind %q", kind)
			}
			if ev.ObjectType == domain.KindFortress {
				ev.FlagTitle, ev.Type = ev.Type, ""
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				member, err := a.Engine.Repo.GetMember(ctx, memberID)
				if errors.Is(err, repo.ErrNotFound) {
					member = domain.Member{ID: memberID}
				} else if err != nil {
					return err
				}
				res, err := a.Engine.Apply(ctx, member, ev)
				if err != nil {
					return err
				}
				if res.FirstBlood != nil && notify {
					if err := a.Notifier.FirstBlood(ctx, *res.FirstBlood); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Ignored:
					color.Yellow("ignored: event carries no trackable completion")
				case !res.New:
					fmt.Println("already recorded")
				case res.FirstBlood != nil:
					printFirstBlood(*res.FirstBlood)
				default:
					fmt.Println("recorded")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&kind, "kind", "challenge", "challenge, machine or fortress")
	cmd.Flags().StringVar(&ev.ID, "id", "", "item id")
	cmd.Flags().StringVar(&ev.Type, "flag", "", "machine flag (user|root) or fortress flag title")
	cmd.Flags().StringVar(&ev.Name, "name", "", "item name")
	cmd.Flags().IntVar(&ev.Points, "points", 0, "points awarded")
	cmd.Flags().BoolVar(&notify, "notify", false, "send the first-blood notice to Discord")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "What each run did: facts recorded, first bloods, rebuilds, syncs and polls.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Member", "Item", "Payload"})
				for _, e := range events {
					typ := e.Type
					if typ == "first_blood" {
						typ = color.New(color.FgRed, color.Bold).Sprint(typ)
					}
					tw.AppendRow(table.Row{e.ID, e.TS, typ, e.MemberID, e.ItemKey, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.MemberID, "member", "", "member id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage htbtracker.yml",
		Long:  "Settings live in htbtracker.yml in the workspace. HTBT_* environment variables and flags override file values.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default htbtracker.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("htb.university_id"))), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions(false))
			if err != nil {
				return err
			}
			shown := *cfg
			shown.HTB.Token = mask(cfg.HTB.Token)
			shown.Server.JWTSecret = mask(cfg.Server.JWTSecret)
			shown.Discord.FirstBloodWebhook = mask(cfg.Discord.FirstBloodWebhook)
			shown.Discord.BoardWebhook = mask(cfg.Discord.BoardWebhook)
			if viper.GetBool("json") {
				return printJSON(shown)
			}
			out, err := shown.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config, including upstream credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(appOptions(true))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			color.Green("config OK")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions(false))
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, subject)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "htbt", "token subject")
	return cmd
}

func printBoard(b domain.Board) {
	if len(b.Challenges) > 0 {
		tw := newTable()
		tw.SetTitle("Challenges left")
		tw.AppendHeader(table.Row{"Name", "Category", "Difficulty", "Points"})
		for _, c := range b.Challenges {
			tw.AppendRow(table.Row{c.Name, c.Category, c.Difficulty, c.Points})
		}
		tw.Render()
	}
	if len(b.Machines) > 0 {
		tw := newTable()
		tw.SetTitle("Machines left")
		tw.AppendHeader(table.Row{"Name", "OS", "Difficulty", "Points", "Missing"})
		for _, m := range b.Machines {
			tw.AppendRow(table.Row{m.Name, m.OS, m.Difficulty, m.Points, strings.Join(m.Missing, ", ")})
		}
		tw.Render()
	}
	if len(b.Fortresses) > 0 {
		tw := newTable()
		tw.SetTitle("Fortresses left")
		tw.AppendHeader(table.Row{"Name", "Flags left", "Points left", "Missing"})
		for _, f := range b.Fortresses {
			tw.AppendRow(table.Row{f.Name, len(f.Missing), f.PointsRemaining, strings.Join(f.Missing, ", ")})
		}
		tw.Render()
	}
}

func printFirstBlood(fb domain.FirstBlood) {
	name := fb.Member.Name
	if name == "" {
		name = fb.Member.ID
	}
	item := fb.ItemName
	if fb.SubCategory != "" {
		item += " (" + fb.SubCategory + ")"
	}
	color.New(color.FgRed, color.Bold).Printf("FIRST BLOOD ")
	fmt.Printf("%s on %s %s, +%d\n", name, fb.Kind, item, fb.Points)
}

func warnList(msg string, items []string) {
	if len(items) > 0 {
		color.Yellow("%s: %s", msg, strings.Join(items, ", "))
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
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
