package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"trading-pipeline/pkg/db"
)

// Prints what a pipeline run left in its database: ledger rows by status,
// the most recent ledger rows and the newest stored bar per symbol.
func main() {
	path := flag.String("db", "pipeline.db", "database file")
	symbols := flag.String("symbols", "", "comma separated symbols to show the latest stored bar for")
	timeframe := flag.String("timeframe", "1m", "bar timeframe")
	limit := flag.Int("limit", 10, "recent ledger rows to print")
	flag.Parse()

	database, err := db.Open(*path)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	counts, err := database.LedgerCounts(ctx)
	if err != nil {
		log.Fatalf("Count failed: %v", err)
	}
	fmt.Printf("Ledger at %s\n", *path)
	for status, n := range counts {
		fmt.Printf("  %-12s %d\n", status, n)
	}

	rows, err := database.ListLedger(ctx, "", *limit)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Println("\nRecent entries")
	for _, r := range rows {
		fmt.Printf("  %s %-10s %-12s %-10s %-4s size=%s filled=%s price=%s\n",
			r.RecordedAt.Format(time.RFC3339), r.Action, r.Status, r.Symbol, r.Side, r.Size, r.Filled, r.Price)
	}

	if *symbols == "" {
		return
	}
	fmt.Printf("\nLatest %s bars\n", *timeframe)
	for _, s := range strings.Split(*symbols, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		row, err := database.LatestFinstore(ctx, s, *timeframe)
		switch {
		case errors.Is(err, db.ErrNotFound):
			fmt.Printf("  %-10s none\n", s)
		case err != nil:
			log.Fatalf("Query failed: %v", err)
		default:
			fmt.Printf("  %-10s %s %s\n", s, time.UnixMilli(row.TsMs).UTC().Format(time.RFC3339), row.Fields)
		}
	}
}
