// Package inspect renders a single job for operators: its timeline, input
// file, and resolved result.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/projector"
)

// JobGetter loads a job by id.
type JobGetter interface {
	Get(ctx context.Context, jobID string) (*jobstore.Job, error)
}

// Resolver resolves a stored result. It may be nil.
type Resolver interface {
	Resolve(ctx context.Context, kind jobstore.Kind, raw json.RawMessage) ([]projector.Item, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	JobID      string           `json:"job_id"`
	Kind       string           `json:"kind"`
	OwnerID    string           `json:"owner_id"`
	Status     string           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	QueuedFor  string           `json:"queued_for,omitempty"`
	RanFor     string           `json:"ran_for,omitempty"`
	Input      Input            `json:"input"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Items      []projector.Item `json:"items,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Input describes the job's stored input file.
type Input struct {
	Ref     string `json:"ref"`
	Present bool   `json:"present"`
	Bytes   int64  `json:"bytes,omitempty"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, jobs JobGetter, resolver Resolver, jobID string) (string, error) {
	report, err := gatherReportData(ctx, jobs, resolver, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Kind        : %s\n", report.Kind)
	fmt.Fprintf(&out, "Owner       : %s\n", report.OwnerID)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Created     : %s\n", report.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Started     : %s\n", formatTime(report.StartedAt))
	fmt.Fprintf(&out, "Resolved    : %s\n", formatTime(report.ResolvedAt))
	if report.QueuedFor != "" {
		fmt.Fprintf(&out, "Queued for  : %s\n", report.QueuedFor)
	}
	if report.RanFor != "" {
		fmt.Fprintf(&out, "Ran for     : %s\n", report.RanFor)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "input\n")
	fmt.Fprintf(&out, "    ref     : %s\n", report.Input.Ref)
	if report.Input.Present {
		fmt.Fprintf(&out, "    file    : present (%d bytes)\n", report.Input.Bytes)
	} else {
		fmt.Fprintf(&out, "    file    : <released>\n")
	}
	fmt.Fprintf(&out, "\n")

	switch {
	case report.Error != "":
		fmt.Fprintf(&out, "error\n    %s\n", report.Error)
	case report.Result != nil:
		fmt.Fprintf(&out, "result\n    raw     : %s\n", string(report.Result))
		if len(report.Items) == 0 {
			fmt.Fprintf(&out, "    items   : <none>\n")
		} else {
			fmt.Fprintf(&out, "    items   :\n")
			for _, it := range report.Items {
				fmt.Fprintf(&out, "      - %d %s\n", it.ID, it.Name)
			}
		}
	default:
		fmt.Fprintf(&out, "result\n    <pending>\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, jobs JobGetter, resolver Resolver, jobID string) (string, error) {
	report, err := gatherReportData(ctx, jobs, resolver, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, jobs JobGetter, resolver Resolver, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	report := &Report{
		JobID:      job.ID,
		Kind:       string(job.Kind),
		OwnerID:    job.OwnerID,
		Status:     string(job.Status),
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		ResolvedAt: job.ResolvedAt,
		Input:      Input{Ref: job.InputRef},
		Result:     job.Result,
	}
	if job.ErrorMessage != nil {
		report.Error = *job.ErrorMessage
	}

	if job.StartedAt != nil {
		report.QueuedFor = job.StartedAt.Sub(job.CreatedAt).Round(time.Millisecond).String()
		if job.ResolvedAt != nil {
			report.RanFor = job.ResolvedAt.Sub(*job.StartedAt).Round(time.Millisecond).String()
		}
	}

	if info, err := os.Stat(job.InputRef); err == nil && !info.IsDir() {
		report.Input.Present = true
		report.Input.Bytes = info.Size()
	}

	if resolver != nil && job.Status == jobstore.StatusCompleted {
		items, err := resolver.Resolve(ctx, job.Kind, job.Result)
		if err != nil {
			return nil, fmt.Errorf("resolve result: %w", err)
		}
		report.Items = items
	}
	return report, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.Format(time.RFC3339)
}
