package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"

	"github.com/groupcast/groupcast/internal/api"
	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/consts"
	"github.com/groupcast/groupcast/internal/crypto"
	"github.com/groupcast/groupcast/internal/pkg/logs"
	"github.com/groupcast/groupcast/internal/poster"
	"github.com/groupcast/groupcast/internal/poster/telegram"
	"github.com/groupcast/groupcast/internal/scheduler"
	"github.com/groupcast/groupcast/internal/store"
	"github.com/groupcast/groupcast/internal/template"
)

var runHwd = &RunRunner{}

type RunRunner struct{}

func (r *RunRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the broadcast daemon: periodic sweeps, the worker, and the status API",
		Flags:  []cli.Flag{configFlag()},
		Action: r.run,
	}
}

func (r *RunRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfgPath := cmd.String("config")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		fmt.Println("Groupcast is not configured yet. Run \"groupcast init\" to get started.")
		return nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}

	if err = initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}

	logs.CtxInfo(ctx, "booting groupcast daemon, using config file: %s...", cfgPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := store.New(cfg.Store.DataDir)
	templates, err := template.NewManager(st)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	p, err := buildPoster(cfg)
	if err != nil {
		return fmt.Errorf("build poster: %w", err)
	}

	sched := scheduler.New(cfg.Scheduler, scheduler.NewStorage(st), p, templateResolver{templates})
	if err = sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// The sweep cadence is driven externally; the scheduler only exposes
	// Sweep.
	sweeper := cron.New()
	spec := fmt.Sprintf("@every %ds", cfg.Scheduler.SweepIntervalSec)
	if _, err = sweeper.AddFunc(spec, func() { sched.Sweep(time.Now()) }); err != nil {
		sched.Stop(context.Background())
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sweeper.Start()
	logs.CtxInfo(ctx, "[daemon] sweeping every %ds", cfg.Scheduler.SweepIntervalSec)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(cfg.API, sched, templates)
		apiServer.Start(ctx)
	}

	logs.CtxInfo(ctx, "ALL IS WELL!!! Press Ctrl+C to stop.")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "Received shutdown signal (%s). Stopping daemon...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "Context canceled. Stopping daemon...")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	<-sweeper.Stop().Done()
	if apiServer != nil {
		apiServer.Stop(stopCtx)
	}
	sched.Stop(stopCtx)

	logs.CtxInfo(ctx, "all stopped, good bye!")
	logs.Flush()
	return nil
}

// ── shared helpers for the command tree ────────────────────────────

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "config",
		Usage: "Path to the config file",
		Value: consts.DefaultConfigPath(),
	}
}

func initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}

// buildPoster constructs the configured posting backend. A sealed token
// file takes precedence over a plaintext token in the config.
func buildPoster(cfg *config.Config) (poster.Poster, error) {
	switch cfg.Poster.Type {
	case "telegram":
		token, err := telegramToken(cfg)
		if err != nil {
			return nil, err
		}
		return telegram.New(token)
	default:
		return nil, fmt.Errorf("unsupported poster type: %s", cfg.Poster.Type)
	}
}

func telegramToken(cfg *config.Config) (string, error) {
	tg := cfg.Poster.Telegram
	if tg.TokenFile != "" {
		keeper, err := crypto.NewKeeper(cfg.Store.KeyFile)
		if err != nil {
			return "", fmt.Errorf("open key file: %w", err)
		}
		sealed, err := os.ReadFile(tg.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token, err := keeper.Decrypt(strings.TrimSpace(string(sealed)))
		if err != nil {
			return "", fmt.Errorf("unseal token: %w", err)
		}
		return string(token), nil
	}
	if tg.Token == "" {
		return "", fmt.Errorf("telegram poster needs token or token_file")
	}
	return tg.Token, nil
}

// templateResolver adapts the template manager to the scheduler's
// payload resolution contract.
type templateResolver struct {
	mgr *template.Manager
}

func (r templateResolver) Resolve(id string) (poster.Payload, bool) {
	t, ok := r.mgr.Get(id)
	if !ok {
		return poster.Payload{}, false
	}
	return poster.Payload{
		TemplateID: t.ID,
		Name:       t.Name,
		Content:    t.Content,
		Images:     t.Images,
	}, true
}

// openOffline loads config and wires a scheduler with no worker, for
// management commands that edit the persisted registry directly.
func openOffline(cmd *cli.Command) (*config.Config, *scheduler.Scheduler, *template.Manager, error) {
	cfgPath := cmd.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config error: %w", err)
	}

	st := store.New(cfg.Store.DataDir)
	templates, err := template.NewManager(st)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load templates: %w", err)
	}

	sched := scheduler.New(cfg.Scheduler, scheduler.NewStorage(st), nil, templateResolver{templates})
	if err := sched.Reload(); err != nil {
		return nil, nil, nil, err
	}
	return cfg, sched, templates, nil
}
