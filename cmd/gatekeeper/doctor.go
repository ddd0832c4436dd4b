package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: gatekeeper doctor [-json]")
			return 2
		}
	}

	var diag doctor.Diagnosis
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		diag = doctor.Run(ctx, nil, Version)
	} else {
		diag = doctor.Run(ctx, &cfg, Version)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(out, "Gatekeeper Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(out, "[%s] %-12s: %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "    %s\n", res.Detail)
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
