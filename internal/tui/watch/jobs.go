package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/larder/internal/events"
)

// JobState tracks one job as seen through its lifecycle events.
type JobState struct {
	ID        string
	Kind      string
	Status    string
	Error     string
	Submitted time.Time
	Updated   time.Time
}

func isTerminal(status string) bool {
	return status == "completed" || status == "failed"
}

// applyEvent folds a job event into jobs. Events without a job id are
// ignored, and a resolved job never moves back to an in-progress status
// when an older event is replayed after a reconnect.
func applyEvent(jobs map[string]*JobState, e events.Event) {
	var d events.JobData
	if err := json.Unmarshal(e.Data, &d); err != nil || d.JobID == "" {
		return
	}

	job, ok := jobs[d.JobID]
	if !ok {
		job = &JobState{ID: d.JobID, Submitted: e.At}
		jobs[d.JobID] = job
	}
	if d.Kind != "" {
		job.Kind = d.Kind
	}
	if isTerminal(job.Status) && !isTerminal(d.Status) {
		return
	}
	job.Status = d.Status
	job.Error = d.Error
	job.Updated = e.At
}

var jobColumns = []table.Column{
	{Title: "JOB", Width: 10},
	{Title: "KIND", Width: 15},
	{Title: "STATUS", Width: 11},
	{Title: "AGE", Width: 8},
	{Title: "ERROR", Width: 40},
}

// jobRows lists jobs newest first.
func jobRows(jobs map[string]*JobState, now time.Time) []table.Row {
	list := make([]*JobState, 0, len(jobs))
	for _, j := range jobs {
		list = append(list, j)
	}
	sort.Slice(list, func(a, b int) bool {
		if !list[a].Submitted.Equal(list[b].Submitted) {
			return list[a].Submitted.After(list[b].Submitted)
		}
		return list[a].ID < list[b].ID
	})

	rows := make([]table.Row, 0, len(list))
	for _, j := range list {
		rows = append(rows, table.Row{
			shortID(j.ID),
			j.Kind,
			j.Status,
			formatDuration(now.Sub(j.Submitted)),
			j.Error,
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
