package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/ingest"
	"github.com/ghadam-app/crawlers/internal/sources"
)

var scheduleCron string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the configured sources on a cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		spec := cfg.Schedule.Cron
		if scheduleCron != "" {
			spec = scheduleCron
		}

		r, err := newRunner(ctx, cfg, sources.Default(), false)
		if err != nil {
			return err
		}
		defer r.Close()

		c, err := newScheduler(ctx, spec, func(ctx context.Context) ([]*ingest.Result, error) {
			return r.runAll(ctx, cfg.Schedule.Sources, cfg.Schedule.Resume)
		})
		if err != nil {
			return err
		}

		c.Start()
		zap.L().Info("scheduler started",
			zap.String("cron", spec),
			zap.Strings("sources", cfg.Schedule.Sources),
		)
		<-ctx.Done()

		zap.L().Info("scheduler stopping, waiting for the running job")
		<-c.Stop().Done()
		return nil
	},
}

// newScheduler registers job under spec. A tick that fires while the
// previous job is still running is skipped.
func newScheduler(ctx context.Context, spec string, job func(context.Context) ([]*ingest.Result, error)) (*cron.Cron, error) {
	logger := cronLogger{zap.L().Named("cron")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(spec, func() {
		results, err := job(ctx)
		switch {
		case errors.Is(err, errItemsFailed):
			zap.L().Warn("scheduled run finished with failed items", zap.Int("sources", len(results)))
		case err != nil:
			zap.L().Error("scheduled run failed", zap.Error(err))
		default:
			zap.L().Info("scheduled run finished", zap.Int("sources", len(results)))
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: parse cron %q", spec)
	}
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron expression, overrides schedule.cron")
	rootCmd.AddCommand(scheduleCmd)
}
