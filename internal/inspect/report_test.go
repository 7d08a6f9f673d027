package inspect

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/larder/internal/catalog"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/projector"
	"github.com/mattjoyce/larder/internal/storage"
)

func setup(t *testing.T) (*jobstore.Store, *projector.Projector, string) {
	t.Helper()
	tmpDir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cat := catalog.New(db)
	for _, ing := range []catalog.Ingredient{{ID: 17, Name: "tomato"}, {ID: 49, Name: "garlic"}} {
		if err := cat.PutIngredient(context.Background(), ing); err != nil {
			t.Fatalf("PutIngredient: %v", err)
		}
	}
	return jobstore.New(db), projector.New(cat), tmpDir
}

func TestBuildReportCompletedJob(t *testing.T) {
	t.Parallel()
	jobs, proj, dir := setup(t)
	ctx := context.Background()

	input := filepath.Join(dir, "in.jpg")
	if err := os.WriteFile(input, []byte("abcd"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := jobs.Create(ctx, jobstore.CreateRequest{Kind: jobstore.KindDetection, OwnerID: "alice", InputRef: input})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := jobs.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := jobs.Complete(ctx, id, json.RawMessage(`[17,49]`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	out, err := BuildReport(ctx, jobs, proj, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Job ID      : " + id,
		"Kind        : detection",
		"Status      : completed",
		"file    : present (4 bytes)",
		"raw     : [17,49]",
		"- 17 tomato",
		"- 49 garlic",
		"Ran for",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildReportFailedJob(t *testing.T) {
	t.Parallel()
	jobs, proj, _ := setup(t)
	ctx := context.Background()

	id, err := jobs.Create(ctx, jobstore.CreateRequest{Kind: jobstore.KindDetection, OwnerID: "bob", InputRef: "/nonexistent/in.jpg"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := jobs.Fail(ctx, id, "analysis timed out: no result after 30s"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	out, err := BuildReport(ctx, jobs, proj, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(out, "file    : <released>") {
		t.Fatalf("expected released input:\n%s", out)
	}
	if !strings.Contains(out, "analysis timed out") {
		t.Fatalf("expected error message:\n%s", out)
	}
	if !strings.Contains(out, "Started     : <none>") {
		t.Fatalf("expected no start time:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()
	jobs, proj, _ := setup(t)
	ctx := context.Background()

	id, err := jobs.Create(ctx, jobstore.CreateRequest{Kind: jobstore.KindRecommendation, OwnerID: "alice", InputRef: "/x.json"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	out, err := BuildJSONReport(ctx, jobs, proj, id)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Status != "pending" || report.Kind != "recommendation" || report.Input.Present {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestBuildReportUnknownJob(t *testing.T) {
	t.Parallel()
	jobs, proj, _ := setup(t)
	if _, err := BuildReport(context.Background(), jobs, proj, "missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
	if _, err := BuildReport(context.Background(), jobs, proj, " "); err == nil {
		t.Fatal("expected error for empty job id")
	}
}
