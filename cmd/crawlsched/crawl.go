package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/app"
)

func newCrawlCmd() *cobra.Command {
	var (
		urls        []string
		domains     []string
		pipelines   []string
		depth       int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Crawl from the given start URLs",
		Long: `Runs one crawl. Start URLs come from arguments, --url, or spider.start_urls
in the config file. An interrupt drains in-flight work, closes the pipelines
and exits cleanly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			flags := cmd.Flags()
			if start := startURLs(urls, args); len(start) > 0 {
				cfg.Spider.StartURLs = start
			}
			if flags.Changed("allowed-domain") {
				cfg.Spider.AllowedDomains = domains
			}
			if flags.Changed("pipeline") {
				cfg.EnabledPipeline = pipelines
			}
			if flags.Changed("depth") {
				cfg.Spider.MaxDepth = depth
			}
			if flags.Changed("concurrency") {
				cfg.ConcurrentRequests = concurrency
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			spider, err := app.BuildSpider(cfg, e.logger)
			if err != nil {
				return err
			}
			a, err := app.New(cfg, spider, e.logger)
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), a, e.logger)
		},
	}

	cmd.Flags().StringSliceVar(&urls, "url", nil, "start URL (repeatable)")
	cmd.Flags().StringSliceVar(&domains, "allowed-domain", nil, "restrict followed links to these domains")
	cmd.Flags().StringSliceVar(&pipelines, "pipeline", nil, "enabled pipelines, in order")
	cmd.Flags().IntVar(&depth, "depth", 1, "maximum link hops from a start URL")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "number of concurrent workers")
	return cmd
}

type runner interface {
	Run(ctx context.Context) error
	RunID() string
}

// runCrawl treats an interrupt as a clean shutdown.
func runCrawl(ctx context.Context, r runner, logger *zap.Logger) error {
	err := r.Run(ctx)
	switch {
	case err == nil:
		logger.Info("crawl command finished", zap.String("run_id", r.RunID()))
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info("crawl interrupted", zap.String("run_id", r.RunID()))
		return nil
	default:
		return fmt.Errorf("run crawl: %w", err)
	}
}

// startURLs joins --url values and positional arguments into a fresh slice
// so the flag's backing array is never written.
func startURLs(flagURLs, args []string) []string {
	return slices.Concat(flagURLs, args)
}
