package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var errVerificationFailed = errors.New("one or more documents failed verification")

// reportPrinter renders maintenance results, colouring status words on terminals only.
type reportPrinter struct {
	out  io.Writer
	ok   *color.Color
	warn *color.Color
	bad  *color.Color
}

func newReportPrinter(out io.Writer, colored bool) *reportPrinter {
	printer := &reportPrinter{
		out:  out,
		ok:   color.New(color.FgGreen, color.Bold),
		warn: color.New(color.FgYellow, color.Bold),
		bad:  color.New(color.FgRed, color.Bold),
	}
	for _, c := range []*color.Color{printer.ok, printer.warn, printer.bad} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return printer
}

func stdoutPrinter() *reportPrinter {
	fd := os.Stdout.Fd()
	return newReportPrinter(os.Stdout, isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
}

func (printer *reportPrinter) verification(report documents.VerificationReport) {
	status := printer.ok.Sprint("OK")
	switch {
	case !report.ContentValid:
		status = printer.bad.Sprint("CORRUPT")
	case !report.ReplayMatches:
		status = printer.warn.Sprint("DRIFT")
	}
	fmt.Fprintf(printer.out, "%-8s %s seq=%d stored=%s replay=%s replayed=%d\n",
		status, report.DocumentID, report.Seq, shortChecksum(report.StoredChecksum), shortChecksum(report.ReplayChecksum), report.Replayed)
}

func (printer *reportPrinter) repair(report documents.RepairReport) {
	status := printer.ok.Sprint("OK")
	if report.Repaired {
		status = printer.warn.Sprint("REPAIRED")
	}
	fmt.Fprintf(printer.out, "%-8s %s seq=%d checksum=%s replayed=%d\n",
		status, report.DocumentID, report.Seq, shortChecksum(report.Checksum), report.Replayed)
}

func (printer *reportPrinter) failure(documentID documents.DocumentID, err error) {
	fmt.Fprintf(printer.out, "%-8s %s %v\n", printer.bad.Sprint("ERROR"), documentID, err)
}

func shortChecksum(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}

func newVerifyCommand() *cobra.Command {
	var documentID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare stored document checksums with a replay of the update log",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openCore()
			if err != nil {
				return err
			}
			defer runtime.Close()
			return verifyDocuments(cmd.Context(), runtime.documents, documentID, stdoutPrinter())
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Verify a single document")
	return cmd
}

func newRepairCommand() *cobra.Command {
	var documentID string
	var all bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Rebuild corrupted document state from snapshots and the update log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(documentID) == "" && !all {
				return fmt.Errorf("either --document or --all is required")
			}
			runtime, err := openCore()
			if err != nil {
				return err
			}
			defer runtime.Close()
			return repairDocuments(cmd.Context(), runtime.documents, documentID, stdoutPrinter())
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Repair a single document")
	cmd.Flags().BoolVar(&all, "all", false, "Repair every document")
	return cmd
}

type maintenanceStore interface {
	ListDocumentIDs(ctx context.Context) ([]documents.DocumentID, error)
	Verify(ctx context.Context, documentID documents.DocumentID) (documents.VerificationReport, error)
	ValidateAndRepair(ctx context.Context, documentID documents.DocumentID) (documents.RepairReport, error)
}

func targetDocuments(ctx context.Context, store maintenanceStore, documentID string) ([]documents.DocumentID, error) {
	if trimmed := strings.TrimSpace(documentID); trimmed != "" {
		return []documents.DocumentID{documents.DocumentID(trimmed)}, nil
	}
	return store.ListDocumentIDs(ctx)
}

func verifyDocuments(ctx context.Context, store maintenanceStore, documentID string, printer *reportPrinter) error {
	ids, err := targetDocuments(ctx, store, documentID)
	if err != nil {
		return err
	}
	failed := false
	for _, id := range ids {
		report, err := store.Verify(ctx, id)
		if err != nil {
			printer.failure(id, err)
			failed = true
			continue
		}
		printer.verification(report)
		if !report.ContentValid || !report.ReplayMatches {
			failed = true
		}
	}
	if failed {
		return errVerificationFailed
	}
	return nil
}

func repairDocuments(ctx context.Context, store maintenanceStore, documentID string, printer *reportPrinter) error {
	ids, err := targetDocuments(ctx, store, documentID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		report, err := store.ValidateAndRepair(ctx, id)
		if err != nil {
			printer.failure(id, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		printer.repair(report)
	}
	return firstErr
}
