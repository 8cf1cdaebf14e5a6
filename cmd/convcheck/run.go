package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gomlx/go-convcheck/harness"
	"github.com/gomlx/go-convcheck/internal/config"
	"github.com/gomlx/go-convcheck/suite"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		parallel int
		keep     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Convert and check every case of the configured matrix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel > 0 {
				a.cfg.Parallelism = parallel
			}
			if keep {
				a.cfg.KeepArtifacts = true
			}
			cases, skips, err := a.enumerate()
			if err != nil {
				return err
			}

			start := time.Now()
			results, err := runCases(cmd.Context(), a.cfg, cases, a.logger)
			if err != nil {
				return err
			}
			failed := report(cmd.OutOrStdout(), results, skips)
			a.logger.Info("Run complete",
				zap.Int("cases", len(results)),
				zap.Int("failed", failed),
				zap.Int("skipped", len(skips)),
				zap.Duration("elapsed", time.Since(start)))
			if failed > 0 {
				return errors.Errorf("%d of %d cases failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "cases run concurrently (default from config)")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep converted packages in the work directory")
	return cmd
}

// caseResult is the outcome of one case. Err is nil when the case passed.
type caseResult struct {
	Name string
	Err  error
}

// runCases runs cases with at most cfg.Parallelism in flight. Case failures
// are collected in the results; only cancellation aborts the run.
func runCases(ctx context.Context, cfg *config.Config, cases []suite.Config, logger *zap.Logger) ([]caseResult, error) {
	results := make([]caseResult, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallelism)

	for i, c := range cases {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = caseResult{Name: c.Name(), Err: runCase(cfg, c, logger)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "run interrupted")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "run interrupted")
	}
	return results, nil
}

func runCase(cfg *config.Config, c suite.Config, logger *zap.Logger) error {
	seed := suite.CaseSeed(cfg.Seed, c)
	module, err := suite.NewModule(c, suite.NewRand(seed))
	if err != nil {
		return err
	}

	r, err := harness.NewRunner(c.Name(),
		harness.WithWorkDir(cfg.WorkDir),
		harness.WithSeed(seed),
		harness.WithTolerance(cfg.Tolerance()),
		harness.WithOptimize(cfg.Optimize),
		harness.WithKeepArtifacts(cfg.KeepArtifacts),
		harness.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("Failed to clean up case", zap.String("case", c.Name()), zap.Error(err))
		}
	}()

	path, err := r.FromReference(module)
	if err != nil {
		return err
	}
	return r.Run(path)
}

// report prints one line per case and a summary. It returns the number of
// failed cases.
func report(w io.Writer, results []caseResult, skips []suite.Skip) int {
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(w, "FAIL\t%s\t%v\n", res.Name, res.Err)
			continue
		}
		fmt.Fprintf(w, "ok\t%s\n", res.Name)
	}
	for _, s := range skips {
		fmt.Fprintf(w, "SKIP\t%s\t%s\n", s.Config.Name(), s.Reason)
	}
	fmt.Fprintf(w, "%d passed, %d failed, %d skipped\n", len(results)-failed, failed, len(skips))
	return failed
}
