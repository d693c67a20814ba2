// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/sam-fredrickson/batch"
	"github.com/sam-fredrickson/batch/internal/transaction"
	"github.com/sam-fredrickson/batch/sqlite"
)

// options holds the flags shared by every job command.
type options struct {
	logFormat string
	logLevel  string
	database  string
	report    string
	chunkSize int
	rate      float64
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "batchdemo",
		Short:         "run the sample transaction import jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flags.StringVar(&opts.database, "db", "batch.db", "SQLite database file, or :memory:")
	flags.StringVar(&opts.report, "report", "text", "execution report printed at the end: text, json, or none")
	flags.IntVar(&opts.chunkSize, "chunk-size", 100, "records per chunk")
	flags.Float64Var(&opts.rate, "rate", 0, "maximum records transformed per second, 0 for unlimited")

	cmd.AddCommand(
		multithreadedCmd(opts),
		asyncCmd(opts),
		parallelCmd(opts),
		partitionedCmd(opts),
		generateCmd(),
	)
	return cmd
}

func (o *options) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch o.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("--log-format: unknown format %q", o.logFormat)
	}
}

// identity is the pass-through transform, rate limited when --rate is set.
func (o *options) identity() batch.Transform[transaction.Transaction, transaction.Transaction] {
	t := batch.Identity[transaction.Transaction]()
	if o.rate > 0 {
		burst := max(1, int(o.rate))
		t = batch.Throttle(t, rate.NewLimiter(rate.Limit(o.rate), burst))
	}
	return t
}

// retryBusy retries chunks that lost a race for the database lock.
func retryBusy() []batch.RetryPredicate {
	return []batch.RetryPredicate{
		batch.OnlyIf(sqlite.IsBusy),
		batch.UpTo(5),
		batch.ExponentialBackoff(20*time.Millisecond, batch.WithFullJitter()),
	}
}

// parseParameters turns key=value arguments into job parameters.
func parseParameters(args []string) (batch.Parameters, error) {
	params := make(batch.Parameters, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not in key=value form", arg)
		}
		params[key] = value
	}
	return params, nil
}

// buildFunc builds the job for one command against an open database.
type buildFunc func(ctx context.Context, db *sql.DB, params batch.Parameters) (*batch.Job, error)

// runJob opens the database, builds the job, runs it, and prints the
// execution report.
func (o *options) runJob(cmd *cobra.Command, args []string, build buildFunc) error {
	ctx := cmd.Context()
	logger, err := o.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	params, err := parseParameters(args)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(o.database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := transaction.CreateTable(ctx, db); err != nil {
		return err
	}
	repo, err := sqlite.NewRepository(ctx, db)
	if err != nil {
		return err
	}

	job, err := build(ctx, db, params)
	if err != nil {
		return err
	}
	runner := batch.NewRunner(batch.WithRepository(repo), batch.WithLogger(logger))
	exec, runErr := runner.Run(ctx, job, params)
	if exec == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	switch o.report {
	case "text":
		_, err = exec.WriteText(out)
	case "json":
		_, err = exec.WriteJSON(out)
	case "none":
	default:
		err = fmt.Errorf("--report: unknown format %q", o.report)
	}
	if runErr != nil {
		return runErr
	}
	if err != nil {
		return err
	}

	total, err := transaction.Count(ctx, db)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "transactions table", "rows", total)
	return nil
}
