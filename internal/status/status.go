// Package status builds read-only views of the current run record.
package status

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parwave/parwave/internal/state"
	"github.com/parwave/parwave/internal/store"
)

// Snapshot is a point-in-time view of a run for display.
type Snapshot struct {
	RunID         string          `json:"run_id"`
	Status        state.RunStatus `json:"status"`
	CheckpointRef string          `json:"checkpoint_ref"`
	FailureDetail string          `json:"failure_detail,omitempty"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Counts        store.Summary   `json:"counts"`
	Tasks         []TaskView      `json:"tasks"`
}

// TaskView is one task row, ordered by wave then id.
type TaskView struct {
	ID             string           `json:"id"`
	Wave           int              `json:"wave"`
	Status         state.TaskStatus `json:"status"`
	IntegrationRef string           `json:"integration_ref,omitempty"`
	Detail         string           `json:"detail,omitempty"`
	DurationMS     int64            `json:"duration_ms,omitempty"`
}

// Collect loads the run record and derives the snapshot.
func Collect(repoRoot string) (Snapshot, error) {
	recordStore, err := store.NewStore(repoRoot)
	if err != nil {
		return Snapshot{}, err
	}
	rec, err := recordStore.Load()
	if err != nil {
		return Snapshot{}, err
	}
	return FromRecord(rec), nil
}

// FromRecord builds a snapshot from an already-loaded record.
func FromRecord(rec store.Record) Snapshot {
	snapshot := Snapshot{
		RunID:         rec.RunID,
		Status:        rec.Status,
		CheckpointRef: rec.CheckpointRef,
		FailureDetail: rec.FailureDetail,
		StartTime:     rec.StartTime,
		EndTime:       rec.EndTime,
		Counts:        rec.Summarize(),
	}
	for _, ws := range rec.Workspaces {
		view := TaskView{
			ID:             ws.TaskID,
			Wave:           ws.Wave,
			Status:         ws.Status,
			IntegrationRef: ws.IntegrationRef,
			Detail:         ws.ErrorDetail,
		}
		if dur, ok := ws.Duration(); ok {
			view.DurationMS = dur.Milliseconds()
		}
		snapshot.Tasks = append(snapshot.Tasks, view)
	}
	sort.Slice(snapshot.Tasks, func(i, j int) bool {
		if snapshot.Tasks[i].Wave != snapshot.Tasks[j].Wave {
			return snapshot.Tasks[i].Wave < snapshot.Tasks[j].Wave
		}
		return snapshot.Tasks[i].ID < snapshot.Tasks[j].ID
	})
	return snapshot
}

// JSON renders the snapshot as indented JSON with a trailing newline.
func (s Snapshot) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return append(data, '\n'), nil
}

// String renders the snapshot as plain text.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s\n", s.RunID, s.Status)
	if s.FailureDetail != "" {
		fmt.Fprintf(&b, "failure: %s\n", s.FailureDetail)
	}
	fmt.Fprintf(&b, "tasks: %d waiting, %d in progress, %d complete, %d failed, %d blocked\n",
		s.Counts.Waiting, s.Counts.InProgress, s.Counts.Complete, s.Counts.Failed, s.Counts.Blocked)
	for _, tsk := range s.Tasks {
		fmt.Fprintf(&b, "  wave %d  %-24s %s", tsk.Wave, tsk.ID, tsk.Status)
		if tsk.DurationMS > 0 {
			fmt.Fprintf(&b, " (%s)", (time.Duration(tsk.DurationMS) * time.Millisecond).Round(time.Millisecond))
		}
		if tsk.Detail != "" {
			fmt.Fprintf(&b, " - %s", tsk.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}
