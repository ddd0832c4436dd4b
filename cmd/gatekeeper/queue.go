package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/deathqueue"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/rediskv"
)

type queueReport struct {
	Pending  []pendingRow                `json:"pending"`
	Unpassed []persistence.HistoryRecord `json:"unpassed"`
}

type pendingRow struct {
	deathqueue.JoinRequest
	AgeSeconds int64 `json:"age_seconds"`
	Expired    bool  `json:"expired"`
}

// runQueueCommand prints the pending queue and the challenges that were
// issued but never passed, for reconciling a queue entry with its history.
func runQueueCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	limit := fs.Int("limit", 100, "maximum unpassed history rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	var queueStore deathqueue.Store = store
	if cfg.Queue.Backend == config.BackendRedis {
		rdb, err := rediskv.Open(ctx, cfg.Redis.URL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis: %v\n", err)
			return 1
		}
		defer rdb.Close()
		queueStore = rediskv.NewQueueStore(rdb, "")
	}

	report, err := buildQueueReport(ctx, queueStore, store, cfg.TTL(), *limit, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return 1
		}
		return 0
	}
	printQueueReport(out, report)
	return 0
}

func buildQueueReport(ctx context.Context, queue deathqueue.Store, store *persistence.Store, ttl time.Duration, limit int, now time.Time) (queueReport, error) {
	var report queueReport
	pending, err := queue.LoadAll(ctx)
	if err != nil {
		return report, fmt.Errorf("load queue: %w", err)
	}
	for _, r := range pending {
		report.Pending = append(report.Pending, pendingRow{
			JoinRequest: r,
			AgeSeconds:  (now.UnixMilli() - r.JoinTime) / 1000,
			Expired:     deathqueue.Expired(r.JoinTime, now, ttl),
		})
	}
	report.Unpassed, err = store.ListUnpassed(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list history: %w", err)
	}
	return report, nil
}

func printQueueReport(out io.Writer, report queueReport) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "PENDING (%d)\n", len(report.Pending))
	fmt.Fprintln(tw, "USER\tCHAT\tMESSAGE\tAGE\tEXPIRED")
	for _, p := range report.Pending {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%ds\t%v\n", p.UserID, p.ChatID, p.MessageID, p.AgeSeconds, p.Expired)
	}
	fmt.Fprintf(tw, "\nUNPASSED (%d)\n", len(report.Unpassed))
	fmt.Fprintln(tw, "USER\tCHAT\tMESSAGE\tCREATED\tSIGNATURE")
	for _, h := range report.Unpassed {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\n", h.UserID, h.ChatID, h.MessageID, h.CreatedAt.Format(time.RFC3339), h.Signature)
	}
	_ = tw.Flush()
}
