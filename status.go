package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/any-hub/gdpr-cache/internal/engine"
	"github.com/any-hub/gdpr-cache/internal/worker"
)

// printStatus 以表格形式输出缓存状态，有效/过期/缺失分别着色。
func printStatus(status engine.Status) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	w := tabwriter.NewWriter(stdOut, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", bold("home"), status.HomeURL)
	fmt.Fprintf(w, "%s\t%d\n", bold("entries"), status.Entries)
	fmt.Fprintf(w, "  valid\t%s\n", green(status.Valid))
	fmt.Fprintf(w, "  expired\t%s\n", yellow(status.Expired))
	fmt.Fprintf(w, "  missing\t%s\n", red(status.Missing))
	fmt.Fprintf(w, "%s\t%s\n", bold("size"), humanBytes(status.Bytes))
	fmt.Fprintf(w, "%s\t%d\n", bold("queued"), status.Queued)
	fmt.Fprintf(w, "%s\t%d\n", bold("tracked"), status.Tracked)

	state := green("idle")
	if status.WorkerBusy {
		state = yellow("busy")
		if status.LockSince != nil {
			state += " since " + status.LockSince.Format(time.RFC3339)
		}
	}
	fmt.Fprintf(w, "%s\t%s\n", bold("worker"), state)

	kinds := make([]string, 0, len(status.ByKind))
	for kind := range status.ByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(w, "  %s\t%d\n", kind, status.ByKind[kind])
	}
	_ = w.Flush()
}

func printTick(drained worker.DrainResult, swept worker.SweepResult) {
	if drained.Busy {
		fmt.Fprintln(stdOut, color.YellowString("worker busy, queue left for the running worker"))
	} else {
		fmt.Fprintf(stdOut, "drain: processed=%d failed=%d fresh=%d\n", drained.Processed, drained.Failed, drained.Fresh)
	}
	if swept.Rescheduled {
		fmt.Fprintln(stdOut, color.YellowString("worker still busy, sweep deferred to the next tick"))
		return
	}
	fmt.Fprintf(stdOut, "sweep: checked=%d evicted=%d pruned=%d seeded=%d\n", swept.Checked, swept.Evicted, swept.Pruned, swept.Seeded)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
