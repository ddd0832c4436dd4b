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
	"github.com/basket/gatekeeper/internal/persistence"
)

func openConfiguredStore() (*persistence.Store, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return nil, 1
	}
	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return nil, 1
	}
	return store, 0
}

// runAuditCommand prints recent audit decisions, newest first.
func runAuditCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	decision := fs.String("decision", "", "only show this decision (allow, deny, fatal)")
	limit := fs.Int("limit", 50, "maximum rows")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openConfiguredStore()
	if store == nil {
		return code
	}
	defer store.Close()

	entries, err := store.ListAudit(ctx, *decision, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return 1
		}
		return 0
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDECISION\tACTION\tREASON\tSUBJECT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Decision, e.Action, e.Reason, e.Subject)
	}
	_ = tw.Flush()
	return 0
}

// runBackupCommand writes an online copy of the database to dest.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gatekeeper backup <dest.db>")
		return 2
	}
	store, code := openConfiguredStore()
	if store == nil {
		return code
	}
	defer store.Close()

	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "backup written to %s\n", args[0])
	return 0
}
