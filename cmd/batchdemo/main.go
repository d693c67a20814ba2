// SPDX-License-Identifier: Apache-2.0

// Command batchdemo runs the sample transaction import jobs.
//
// Usage:
//
//	batchdemo generate --format csv --count 1000 --out /data/csv/transactions.csv
//	batchdemo multithreaded inputFlatFile=/data/csv/transactions.csv
//	batchdemo async inputFlatFile=/data/csv/transactions.csv
//	batchdemo parallel inputFlatFile=/data/csv/bigtransactions.csv inputXmlFile=/data/xml/bigtransactions.xml
//	batchdemo partitioned 'inputFiles=/data/csv/transactions*.csv'
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "batchdemo:", err)
		stop()
		os.Exit(1)
	}
}
