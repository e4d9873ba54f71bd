package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"pagewatch/internal/app"
	"pagewatch/internal/config"
	"pagewatch/internal/domain"
	"pagewatch/internal/logging"
)

type runCmd struct{}

type addSourceCmd struct {
	URL         string `arg:"positional,required" help:"page or feed URL to watch"`
	Name        string `arg:"--name" help:"display name for the source"`
	Kind        string `arg:"--kind" default:"web" help:"web or rss"`
	IntervalMin int    `arg:"--interval" help:"polling cadence in minutes (default from config)"`
}

type subscribeCmd struct {
	SourceID string   `arg:"positional,required" help:"source id to subscribe to"`
	Email    string   `arg:"--email,required" help:"recipient address"`
	Owner    string   `arg:"--owner" help:"owner identifier"`
	Tags     []string `arg:"--tag,separate" help:"interest tags (repeatable)"`
	Calendar bool     `arg:"--calendar" help:"also sync dated entries to the calendar"`
}

type unsubscribeCmd struct {
	ID string `arg:"positional,required" help:"subscription id"`
}

type cliArgs struct {
	Config      string          `arg:"-c,--config" help:"path to YAML config"`
	Run         *runCmd         `arg:"subcommand:run" help:"run the watch pipeline"`
	AddSource   *addSourceCmd   `arg:"subcommand:add-source" help:"register a source"`
	Subscribe   *subscribeCmd   `arg:"subcommand:subscribe" help:"subscribe an address to a source"`
	Unsubscribe *unsubscribeCmd `arg:"subcommand:unsubscribe" help:"deactivate a subscription"`
}

func (cliArgs) Description() string {
	return "pagewatch detects meaningful changes on watched pages and notifies subscribers"
}

func main() {
	var cli cliArgs
	arg.MustParse(&cli)

	cfg := config.Load(cli.Config)

	// Management commands log to the console; the long-running pipeline
	// also rotates to the configured file.
	logger := logging.New(cfg.Logging.Level)
	if cli.AddSource == nil && cli.Subscribe == nil && cli.Unsubscribe == nil {
		logger = logging.NewRotating(cfg.Logging)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	switch {
	case cli.AddSource != nil:
		if err := addSource(ctx, application, cfg, cli.AddSource); err != nil {
			logger.Error("add source failed", "error", err)
			os.Exit(1)
		}
	case cli.Subscribe != nil:
		if err := subscribe(ctx, application, cli.Subscribe); err != nil {
			logger.Error("subscribe failed", "error", err)
			os.Exit(1)
		}
	case cli.Unsubscribe != nil:
		if err := application.Registry().Unsubscribe(ctx, cli.Unsubscribe.ID); err != nil {
			logger.Error("unsubscribe failed", "error", err)
			os.Exit(1)
		}
		fmt.Println("unsubscribed", cli.Unsubscribe.ID)
	default:
		if err := application.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("application stopped", "error", err)
			os.Exit(1)
		}
	}
}

func addSource(ctx context.Context, application *app.Application, cfg config.Config, cmd *addSourceCmd) error {
	kind := domain.KindWeb
	if cmd.Kind == "rss" {
		kind = domain.KindRSS
	}
	interval := cfg.Scheduler.DefaultCadence()
	if cmd.IntervalMin > 0 {
		interval = time.Duration(cmd.IntervalMin) * time.Minute
	}
	name := cmd.Name
	if name == "" {
		name = cmd.URL
	}

	id, err := application.Registry().RegisterSource(ctx, domain.Source{
		Name:     name,
		URL:      cmd.URL,
		Kind:     kind,
		Interval: interval,
		Active:   true,
	})
	if err != nil {
		return err
	}
	fmt.Println("source registered:", id)
	return nil
}

func subscribe(ctx context.Context, application *app.Application, cmd *subscribeCmd) error {
	return application.Registry().Upsert(ctx, domain.Subscription{
		SourceID:     cmd.SourceID,
		OwnerID:      cmd.Owner,
		Email:        cmd.Email,
		Tags:         cmd.Tags,
		EmailEnabled: true,
		CalendarSync: cmd.Calendar,
		Active:       true,
	})
}
