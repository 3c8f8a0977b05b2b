package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

	"cropmind/internal/app"
	"cropmind/internal/auth"
	"cropmind/internal/config"
	"cropmind/internal/domain"
	"cropmind/internal/lifecycle"
	"cropmind/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cli struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}
	root := &cobra.Command{
		Use:   "cropmind",
		Short: "CropMind farm advisory service",
		Long: `CropMind tracks where a crop is in its lifecycle and turns that into daily advice.
- Crop catalog: a YAML document listing each crop's stages as day ranges from sowing.
- Day count: whole days since sowing; negative before sowing.
- Stage: the catalog entry whose range contains the day count.
- Advice: an action planner prompt fed with stage, weather and retrieved knowledge.
- Alerts: stage changes and weather warnings, optionally pushed to webhooks.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "settings file (YAML)")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = c.v.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = c.v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(c.serveCmd())
	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.cropsCmd())
	root.AddCommand(c.lifecycleCmd())
	root.AddCommand(c.configCmd())
	root.AddCommand(c.tokenCmd())
	return root
}

func (c *cli) jsonOutput() bool {
	return c.v.GetBool("json")
}

func (c *cli) logger(cfg *config.Config) (*zap.Logger, error) {
	return app.NewLogger(cfg.Log)
}

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.v, c.configPath)
			if err != nil {
				return err
			}
			logger, err := c.logger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := a.Handler()
			if err != nil {
				return err
			}
			server.StartAlertDispatcher(ctx, a.Engine.Repo, cfg.Webhooks, logger)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving CropMind API",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.Int("webhooks", len(cfg.Webhooks)))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from settings)")
	cmd.Flags().String("base-path", "", "API base path")
	_ = c.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = c.v.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Decode(c.v, c.configPath)
			if err != nil {
				return err
			}
			logger, err := c.logger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()
			conn, err := app.OpenDB(cmd.Context(), cfg.Database.URL, logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
			return nil
		},
	}
}

func (c *cli) catalog(path string) (*lifecycle.Catalog, error) {
	if path == "" {
		cfg, err := config.Decode(c.v, c.configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Crops.ConfigPath
	}
	return app.LoadCatalog(path)
}

func (c *cli) cropsCmd() *cobra.Command {
	crops := &cobra.Command{Use: "crops", Short: "Inspect the crop catalog"}
	var file string
	list := &cobra.Command{
		Use:   "list",
		Short: "List crops and their stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := c.catalog(file)
			if err != nil {
				return err
			}
			items := cat.Crops()
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Crop", "Total Days", "Stages"})
			for _, crop := range items {
				labels := make([]string, 0, len(crop.Stages))
				for _, s := range crop.Stages {
					labels = append(labels, s.Label)
				}
				tw.AppendRow(table.Row{crop.Name, crop.TotalDays, strings.Join(labels, " > ")})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().StringVar(&file, "crops", "", "crop catalog file (default from settings)")
	crops.AddCommand(list)
	return crops
}

func (c *cli) lifecycleCmd() *cobra.Command {
	lc := &cobra.Command{Use: "lifecycle", Short: "Compute crop lifecycle positions"}
	var crop, sowing, today, file string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the stage timeline for a sowing date",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := c.catalog(file)
			if err != nil {
				return err
			}
			sowingDate, err := time.Parse(domain.DateLayout, sowing)
			if err != nil {
				return fmt.Errorf("--sowing-date must be YYYY-MM-DD: %w", err)
			}
			now := time.Now().UTC()
			if today != "" {
				if now, err = time.Parse(domain.DateLayout, today); err != nil {
					return fmt.Errorf("--today must be YYYY-MM-DD: %w", err)
				}
			}
			snap, err := cat.Snapshot(crop, sowingDate, now)
			if err != nil {
				return err
			}
			return renderSnapshot(cmd.OutOrStdout(), snap, c.jsonOutput())
		},
	}
	show.Flags().StringVar(&crop, "crop", "", "crop type")
	show.Flags().StringVar(&sowing, "sowing-date", "", "sowing date (YYYY-MM-DD)")
	show.Flags().StringVar(&today, "today", "", "evaluate as of this date (YYYY-MM-DD, default today)")
	show.Flags().StringVar(&file, "crops", "", "crop catalog file (default from settings)")
	_ = show.MarkFlagRequired("crop")
	_ = show.MarkFlagRequired("sowing-date")
	lc.AddCommand(show)
	return lc
}

type snapshotView struct {
	Crop               string          `json:"crop"`
	SowingDate         string          `json:"sowing_date"`
	DayCount           int             `json:"day_count"`
	CurrentStage       string          `json:"current_stage"`
	TotalDays          int             `json:"total_days"`
	ProgressPercentage float64         `json:"progress_percentage"`
	Timeline           []timelineEntry `json:"timeline"`
}

type timelineEntry struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Days   string `json:"days"`
	Status string `json:"status"`
	Date   string `json:"date"`
}

func renderSnapshot(w io.Writer, snap lifecycle.Snapshot, asJSON bool) error {
	view := snapshotView{
		Crop:               snap.Crop,
		SowingDate:         snap.SowingDate.Format(domain.DateLayout),
		DayCount:           snap.DayCount,
		CurrentStage:       snap.CurrentLabel(),
		TotalDays:          snap.TotalDays,
		ProgressPercentage: snap.Progress,
	}
	for _, e := range snap.Timeline {
		view.Timeline = append(view.Timeline, timelineEntry{
			ID:     e.Stage.ID,
			Label:  e.Stage.Label,
			Days:   fmt.Sprintf("%d..%d", e.Stage.StartDay, e.Stage.EndDay),
			Status: string(e.Status),
			Date:   e.Date,
		})
	}
	if asJSON {
		return printJSON(w, view)
	}
	fmt.Fprintf(w, "Crop: %s (sown %s)\n", view.Crop, view.SowingDate)
	fmt.Fprintf(w, "Day %d of %d, %.1f%% complete, stage: %s\n", view.DayCount, view.TotalDays, view.ProgressPercentage, view.CurrentStage)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Stage", "Days", "Status", "Date"})
	for _, e := range view.Timeline {
		tw.AppendRow(table.Row{e.Label, e.Days, e.Status, e.Date})
	}
	tw.Render()
	return nil
}

func (c *cli) configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect settings"}
	var crops string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate settings and the crop catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := c.validate(crops)
			if c.jsonOutput() {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
	validate.Flags().StringVar(&crops, "crops", "", "crop catalog file to check (default from settings)")
	cfgCmd.AddCommand(validate)
	return cfgCmd
}

func (c *cli) validate(cropsPath string) error {
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return err
	}
	if cropsPath == "" {
		cropsPath = cfg.Crops.ConfigPath
	}
	if _, err := app.LoadCatalog(cropsPath); err != nil {
		return err
	}
	_, err = app.NewLogger(cfg.Log)
	return err
}

func (c *cli) tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage bearer tokens"}
	var email, name string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a bearer token for a user email",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Decode(c.v, c.configPath)
			if err != nil {
				return err
			}
			tokens := auth.Tokens{Secret: cfg.Auth.JWTSecret, TTL: cfg.Auth.JWTExpiration}
			token, expires, err := tokens.Issue(strings.ToLower(strings.TrimSpace(email)), name)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"token":      token,
					"token_type": "bearer",
					"expires_at": domain.FormatTime(expires),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&email, "email", "", "user email (token subject)")
	issue.Flags().StringVar(&name, "name", "", "display name claim")
	_ = issue.MarkFlagRequired("email")
	tok.AddCommand(issue)
	return tok
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
