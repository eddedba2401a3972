package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-erp/odyssey-stock/internal/stock"
)

// Reconciler replays ledgers against balances.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (stock.ReconcileReport, error)
}

// ReconcileOptions defines flags for the reconcile command.
type ReconcileOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReconcileCommand runs a full ledger check in process and prints the
// outcome. It exits 10 when any variant is inconsistent.
func ReconcileCommand(ctx context.Context, reconciler Reconciler, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	report, err := reconciler.ReconcileAll(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "checked %d variants, %d mismatched\n", report.Checked, len(report.Mismatches))
		for _, m := range report.Mismatches {
			_, _ = fmt.Fprintf(opts.Stdout, "  %s available %d (ledger %d) reserved %d (ledger %d)\n",
				m.VariantID, m.Available, m.ReplayedAvailable, m.Reserved, m.ReplayedReserved)
		}
	}
	if len(report.Mismatches) > 0 {
		return 10
	}
	return 0
}
