// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sam-fredrickson/batch"
	"github.com/sam-fredrickson/batch/internal/transaction"
	"github.com/sam-fredrickson/batch/source"
)

func multithreadedCmd(opts *options) *cobra.Command {
	var poolSize int
	cmd := &cobra.Command{
		Use:   "multithreaded inputFlatFile=PATH",
		Short: "load a CSV file into the database with a multi-threaded step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runJob(cmd, args, func(_ context.Context, db *sql.DB, _ batch.Parameters) (*batch.Job, error) {
				src, err := transaction.NewCSVSource("inputFlatFile")
				if err != nil {
					return nil, err
				}
				step, err := batch.NewStep(
					batch.StepConfig{
						Name:      "multithreadedStep",
						ChunkSize: opts.chunkSize,
						PoolSize:  poolSize,
						Retry:     retryBusy(),
					},
					src,
					opts.identity(),
					transaction.NewSink(db),
				)
				if err != nil {
					return nil, err
				}
				return batch.NewJob("multithreadedJob", step, batch.RequireParameters("inputFlatFile"))
			})
		},
	}
	cmd.Flags().IntVar(&poolSize, "pool", 4, "number of chunks processed at once")
	return cmd
}

func asyncCmd(opts *options) *cobra.Command {
	var (
		inFlight int
		delay    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "async inputFlatFile=PATH",
		Short: "load a CSV file with a slow transform run asynchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runJob(cmd, args, func(_ context.Context, db *sql.DB, _ batch.Parameters) (*batch.Job, error) {
				src, err := transaction.NewCSVSource("inputFlatFile")
				if err != nil {
					return nil, err
				}
				step, err := batch.NewStep(
					batch.StepConfig{
						Name:      "asyncStep",
						ChunkSize: opts.chunkSize,
						Retry:     retryBusy(),
					},
					src,
					batch.NewAsyncTransform(slowly(delay, opts.identity()), inFlight),
					batch.NewAsyncSink(transaction.NewSink(db)),
				)
				if err != nil {
					return nil, err
				}
				return batch.NewJob("asyncJob", step, batch.RequireParameters("inputFlatFile"))
			})
		},
	}
	cmd.Flags().IntVar(&inFlight, "in-flight", 0, "maximum concurrent transforms, 0 for one per CPU")
	cmd.Flags().DurationVar(&delay, "delay", 5*time.Millisecond, "simulated processing time per record")
	return cmd
}

// slowly delays every record before handing it to next, simulating an
// expensive transform.
func slowly[In, Out any](delay time.Duration, next batch.Transform[In, Out]) batch.Transform[In, Out] {
	return batch.TransformFunc[In, Out](func(ctx context.Context, in In) (Out, error) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			var zero Out
			return zero, ctx.Err()
		}
		return next.Apply(ctx, in)
	})
}

func parallelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "parallel inputFlatFile=PATH inputXmlFile=PATH",
		Short: "load a CSV file and an XML file concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runJob(cmd, args, func(_ context.Context, db *sql.DB, _ batch.Parameters) (*batch.Job, error) {
				xmlSrc, err := transaction.NewXMLSource("inputXmlFile")
				if err != nil {
					return nil, err
				}
				csvSrc, err := transaction.NewCSVSource("inputFlatFile")
				if err != nil {
					return nil, err
				}
				sink := transaction.NewSink(db)
				xmlStep, err := batch.NewStep(
					batch.StepConfig{Name: "step1", ChunkSize: opts.chunkSize, Retry: retryBusy()},
					xmlSrc, opts.identity(), sink,
				)
				if err != nil {
					return nil, err
				}
				csvStep, err := batch.NewStep(
					batch.StepConfig{Name: "step2", ChunkSize: opts.chunkSize, Retry: retryBusy()},
					csvSrc, opts.identity(), sink,
				)
				if err != nil {
					return nil, err
				}
				return batch.NewJob("parallelStepsJob",
					batch.Split("parallelFlow", xmlStep, csvStep),
					batch.RequireParameters("inputFlatFile", "inputXmlFile"),
				)
			})
		},
	}
}

func partitionedCmd(opts *options) *cobra.Command {
	var partitions int
	cmd := &cobra.Command{
		Use:   "partitioned inputFiles=GLOB",
		Short: "load every CSV file matching a pattern, one step per file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runJob(cmd, args, func(_ context.Context, db *sql.DB, params batch.Parameters) (*batch.Job, error) {
				pattern := params["inputFiles"]
				if pattern == "" {
					return nil, &batch.ConfigError{Field: "parameter inputFiles", Err: fmt.Errorf("is missing")}
				}
				files, err := source.Glob(pattern)
				if err != nil {
					return nil, &batch.ConfigError{Field: "parameter inputFiles", Err: err}
				}
				sink := transaction.NewSink(db)
				steps := make([]batch.Node, 0, len(files))
				for i, file := range files {
					src, err := source.NewCSV(
						source.CSVOptions{Location: source.Location{Path: file}},
						transaction.CSVFields()...,
					)
					if err != nil {
						return nil, err
					}
					step, err := batch.NewStep(
						batch.StepConfig{
							Name:      fmt.Sprintf("partition%d:%s", i, filepath.Base(file)),
							ChunkSize: opts.chunkSize,
							Retry:     retryBusy(),
						},
						src, opts.identity(), sink,
					)
					if err != nil {
						return nil, err
					}
					steps = append(steps, step)
				}
				return batch.NewJob("partitionedJob",
					batch.SplitWith("partitions", batch.ParallelOptions{Limit: partitions}, steps...),
					batch.RequireParameters("inputFiles"),
				)
			})
		},
	}
	cmd.Flags().IntVar(&partitions, "partitions", 4, "number of files loaded at once, 0 for all")
	return cmd
}

func generateCmd() *cobra.Command {
	var (
		format   string
		count    int
		accounts int
		seed     uint64
		out      string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "write sample transactions to a CSV or XML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			gen := transaction.NewGenerator(seed, accounts)
			return gen.Write(w, transaction.Format(format), count)
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "output format: csv or xml")
	cmd.Flags().IntVar(&count, "count", 1000, "number of transactions")
	cmd.Flags().IntVar(&accounts, "accounts", 50, "number of distinct accounts")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	return cmd
}
