package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd runs a bounded crawl that stops once the frontier drains.
func newCrawlCmd() *cobra.Command {
	var seeds []string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl from the configured seeds until the frontier is empty",
		Long: `Enqueues the seeds from the config file and any --seed flags, then runs
the worker pool until no task is queued or in flight. Interrupting the command
stops new fetches; in-flight fetches finish or hit their deadline.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), seeds)
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed URL (repeatable)")
	return cmd
}

func runCrawl(ctx context.Context, extra []string) error {
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	seeds := append(append([]string{}, appInstance.Config().Crawler.Seeds...), extra...)
	accepted, err := appInstance.Seed(ctx, seeds)
	if err != nil {
		return fmt.Errorf("enqueue seeds: %w", err)
	}
	if accepted == 0 {
		logger.Warn("No new seeds accepted; resuming whatever the frontier holds")
	}

	summary, err := appInstance.Runner().RunUntilDrained(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	fields := []zap.Field{zap.Int("steps", summary.Steps)}
	for outcome, n := range summary.Outcomes {
		fields = append(fields, zap.Int(string(outcome), n))
	}
	logger.Info("Crawl command finished", fields...)
	return nil
}
