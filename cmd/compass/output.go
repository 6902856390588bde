package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/compass/internal/assignment"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func statusColor(s assignment.Status) string {
	switch s {
	case assignment.StatusConfirmed, assignment.StatusSubmitted:
		return colorGreen
	case assignment.StatusOptimisticallyLocked, assignment.StatusDraft:
		return colorYellow
	default:
		return colorRed
	}
}

// formatApplication renders one slate or application line.
func formatApplication(a assignment.Application) string {
	rank := "  -"
	if a.Ranked() {
		rank = fmt.Sprintf("%3d", a.Rank())
	}
	line := fmt.Sprintf("%s  %-10s %s  %s",
		colorize(colorBold, rank),
		a.BilletID,
		colorize(statusColor(a.Status), string(a.Status)),
		colorize(colorCyan, shortID(a.ID)),
	)
	switch {
	case a.SyncStatus == assignment.SyncPendingUpload:
		line += fmt.Sprintf("  (retrying, %d attempts)", a.RetryCount)
	case a.SyncStatus == assignment.SyncError:
		line += "  (lock retries exhausted)"
	case a.RejectionReason != "":
		line += "  " + a.RejectionReason
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printBillet writes a billet card.
func printBillet(w io.Writer, b assignment.Billet) {
	title := b.Title
	if title == "" {
		title = b.ID
	}
	fmt.Fprintf(w, "%s  %s\n", colorize(colorBold, title), colorize(colorCyan, b.ID))
	var facts []string
	for _, f := range []string{b.Location, b.UIC, b.PayGrade, b.Designator, b.DutyType} {
		if f != "" {
			facts = append(facts, f)
		}
	}
	if len(facts) > 0 {
		fmt.Fprintf(w, "  %s\n", strings.Join(facts, " · "))
	}
	if b.ReportNotLaterThan != nil {
		fmt.Fprintf(w, "  Report NLT %s\n", b.ReportNotLaterThan.Format("2006-01-02"))
	}
	if b.AdvertisementStatus != "" && b.AdvertisementStatus != assignment.AdvertisementOpen {
		fmt.Fprintf(w, "  %s\n", colorize(colorYellow, string(b.AdvertisementStatus)))
	}
	fmt.Fprintf(w, "  Match %.0f%%\n", b.Compass.MatchScore)
	if b.Compass.ContextualNarrative != "" {
		fmt.Fprintf(w, "  %s\n", b.Compass.ContextualNarrative)
	}
	if b.Description != "" {
		fmt.Fprintf(w, "\n  %s\n", b.Description)
	}
}
