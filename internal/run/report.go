package run

import (
	"fmt"
	"sort"
	"time"

	"github.com/parwave/parwave/internal/state"
	"github.com/parwave/parwave/internal/store"
)

// Report summarizes the outcome of a run.
type Report struct {
	RunID         string
	Status        state.RunStatus
	FailureDetail string
	Tasks         int
	Waves         int
	Merged        int
	Failed        int
	Blocked       int
	WallClock     time.Duration
	TaskDurations map[string]time.Duration
	// Efficiency is the sum of task durations divided by wall-clock time; a
	// value near the configured concurrency means the waves ran well packed.
	Efficiency float64
	// TimeSaved is the wall-clock time saved versus running every task
	// back to back: the sum of task durations minus the run's wall clock.
	TimeSaved time.Duration
}

// report builds the final report from the run record and prints the summary.
// The passed error is returned unchanged so callers keep the failure cause.
func (o *Orchestrator) report(runErr error) (Report, error) {
	rec, err := o.store.Load()
	if err != nil {
		if runErr != nil {
			return Report{}, runErr
		}
		return Report{}, err
	}
	rpt := buildReport(rec, len(o.waves))
	o.printSummary(rpt)
	return rpt, runErr
}

// buildReport derives the report values from a run record.
func buildReport(rec store.Record, waves int) Report {
	summary := rec.Summarize()
	rpt := Report{
		RunID:         rec.RunID,
		Status:        rec.Status,
		FailureDetail: rec.FailureDetail,
		Tasks:         len(rec.Workspaces),
		Waves:         waves,
		Merged:        summary.Complete,
		Failed:        summary.Failed,
		Blocked:       summary.Blocked,
		TaskDurations: make(map[string]time.Duration),
	}

	end := time.Now().UTC()
	if rec.EndTime != nil {
		end = *rec.EndTime
	}
	rpt.WallClock = end.Sub(rec.StartTime)

	var busy time.Duration
	for id, ws := range rec.Workspaces {
		if dur, ok := ws.Duration(); ok {
			rpt.TaskDurations[id] = dur
			busy += dur
		}
	}
	if rpt.WallClock > 0 {
		rpt.Efficiency = busy.Seconds() / rpt.WallClock.Seconds()
		rpt.TimeSaved = busy - rpt.WallClock
	}
	return rpt
}

// printSummary renders the human-readable run summary.
func (o *Orchestrator) printSummary(rpt Report) {
	fmt.Fprintf(o.out, "\nrun %s: %s in %s\n", rpt.RunID, rpt.Status, rpt.WallClock.Round(time.Second))
	fmt.Fprintf(o.out, "tasks: %d merged, %d failed, %d blocked of %d total\n",
		rpt.Merged, rpt.Failed, rpt.Blocked, rpt.Tasks)
	if rpt.FailureDetail != "" {
		fmt.Fprintf(o.out, "failure: %s\n", rpt.FailureDetail)
	}
	if rpt.Efficiency > 0 {
		fmt.Fprintf(o.out, "parallelism efficiency: %.2fx", rpt.Efficiency)
		if rpt.TimeSaved > 0 {
			fmt.Fprintf(o.out, " (%s saved vs sequential)", rpt.TimeSaved.Round(time.Millisecond))
		}
		fmt.Fprintln(o.out)
	}

	ids := make([]string, 0, len(rpt.TaskDurations))
	for id := range rpt.TaskDurations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(o.out, "  %s: %s\n", id, rpt.TaskDurations[id].Round(time.Millisecond))
	}
}
