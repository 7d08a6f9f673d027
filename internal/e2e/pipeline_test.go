package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/larder/internal/api"
	"github.com/mattjoyce/larder/internal/auth"
	"github.com/mattjoyce/larder/internal/catalog"
	"github.com/mattjoyce/larder/internal/config"
	"github.com/mattjoyce/larder/internal/dispatch"
	"github.com/mattjoyce/larder/internal/events"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/log"
	"github.com/mattjoyce/larder/internal/projector"
	"github.com/mattjoyce/larder/internal/storage"
	"github.com/mattjoyce/larder/internal/upload"
	"github.com/mattjoyce/larder/internal/worker"
)

const token = "e2e-token"

type stack struct {
	url     string
	jobs    *jobstore.Store
	uploads *upload.Store
	disp    *dispatch.Dispatcher
}

// newStack wires config, storage, dispatcher, and API the way 'larder
// system start' does, with shell scripts standing in for the AI workers.
func newStack(t *testing.T, detectScript, recommendScript string) *stack {
	t.Helper()
	tmpDir := t.TempDir()

	createWorker(t, tmpDir, "detect.sh", detectScript)
	createWorker(t, tmpDir, "recommend.sh", recommendScript)

	cfg, err := config.Parse([]byte(`
state:
  path: ` + filepath.Join(tmpDir, "larder.db") + `
workers:
  detection:
    command: ./detect.sh
    dir: ` + tmpDir + `
    timeout: 5s
    grace: 200ms
  recommendation:
    command: ./recommend.sh
    dir: ` + tmpDir + `
    encoding: json
    timeout: 5s
    grace: 200ms
`))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	log.Setup("ERROR")
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	jobs := jobstore.New(db)
	cat := catalog.New(db)
	for _, ing := range []catalog.Ingredient{{ID: 1, Name: "onion"}, {ID: 17, Name: "tomato"}, {ID: 49, Name: "garlic"}} {
		if err := cat.PutIngredient(ctx, ing); err != nil {
			t.Fatalf("PutIngredient: %v", err)
		}
	}
	if err := cat.PutRecipe(ctx, catalog.Recipe{ID: 12, Name: "salsa"}, []catalog.RecipeIngredient{
		{IngredientID: 17, Main: true}, {IngredientID: 1},
	}); err != nil {
		t.Fatalf("PutRecipe: %v", err)
	}

	uploads, err := upload.NewFSStore(cfg.Uploads.Dir)
	if err != nil {
		t.Fatalf("failed to create upload store: %v", err)
	}

	hub := events.NewHub(64)
	disp := dispatch.New(jobs, uploads, worker.NewInvoker(), hub, worker.Profiles(cfg), cfg.Service.MaxConcurrentWorkers)

	server := api.New(api.Config{
		Tokens:         []auth.TokenConfig{{Token: token, Subject: "matt", Scopes: []string{auth.ScopeJobsRW}}},
		MaxUploadBytes: cfg.API.MaxUploadBytes,
	}, api.Deps{
		Submitter: disp,
		Jobs:      jobs,
		Inputs:    uploads,
		Catalog:   cat,
		Resolver:  projector.New(cat),
		Events:    hub,
	}, log.WithComponent("api"))

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = disp.Shutdown(shutdownCtx)
	})

	return &stack{url: ts.URL, jobs: jobs, uploads: uploads, disp: disp}
}

func createWorker(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write worker %s: %v", name, err)
	}
}

func (s *stack) send(t *testing.T, req *http.Request) (int, api.Envelope) {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	var env api.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

func (s *stack) submitImage(t *testing.T) string {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "fridge.jpg")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, s.url+"/images", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	code, env := s.send(t, req)
	if code != http.StatusCreated {
		t.Fatalf("upload returned %d: %+v", code, env)
	}
	return env.Data.(map[string]any)["job_id"].(string)
}

// pollUntilResolved polls path until the job leaves the in-progress state.
func (s *stack) pollUntilResolved(t *testing.T, path string) (int, api.Envelope) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, s.url+path, nil)
		code, env := s.send(t, req)
		if env.ResultCode != api.ResultInProgress {
			return code, env
		}
		if time.Now().After(deadline) {
			t.Fatalf("job at %s still in progress", path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestEndToEndDetection(t *testing.T) {
	s := newStack(t, `cat >/dev/null
echo '{"success":true,"statusCode":200,"detections":[{"classId":17,"label":"tomato"},{"classId":1,"label":"onion"},{"classId":17,"label":"tomato"}]}'
`, "exit 1\n")

	jobID := s.submitImage(t)
	code, env := s.pollUntilResolved(t, "/images/analysis/"+jobID)

	if code != http.StatusOK || env.ResultCode != api.ResultOK || !env.Success {
		t.Fatalf("unexpected poll result %d: %+v", code, env)
	}
	data := env.Data.(map[string]any)
	items := data["identified_ingredients"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 deduplicated ingredients, got %v", items)
	}
	first := items[0].(map[string]any)
	if first["classId"].(float64) != 17 || first["label"] != "tomato" {
		t.Fatalf("unexpected first ingredient: %v", first)
	}
	if data["analyzed_at"] == nil {
		t.Fatalf("completed job has no analyzed_at")
	}
}

func TestEndToEndRecommendation(t *testing.T) {
	// The worker only answers when the request carries the catalog candidate.
	s := newStack(t, "exit 1\n", `input=$(cat)
case "$input" in
  *'"recipeId":12'*) echo '{"success":true,"recommendations":[{"recipeId":12,"score":0.9}]}' ;;
  *) echo "missing candidates" >&2; exit 1 ;;
esac
`)

	req, _ := http.NewRequest(http.MethodPost, s.url+"/recommendations",
		strings.NewReader(`{"queryText":"something fresh","selectedIngredientIds":[17],"requireMain":true}`))
	req.Header.Set("Content-Type", "application/json")
	code, env := s.send(t, req)
	if code != http.StatusCreated {
		t.Fatalf("recommendation request returned %d: %+v", code, env)
	}
	jobID := env.Data.(map[string]any)["job_id"].(string)

	code, env = s.pollUntilResolved(t, "/recommendations/"+jobID)
	if code != http.StatusOK || env.ResultCode != api.ResultOK {
		t.Fatalf("unexpected poll result %d: %+v", code, env)
	}
	recipes := env.Data.(map[string]any)["recipes"].([]any)
	if len(recipes) != 1 {
		t.Fatalf("expected 1 recipe, got %v", recipes)
	}
	recipe := recipes[0].(map[string]any)
	if recipe["id"].(float64) != 12 || recipe["name"] != "salsa" {
		t.Fatalf("unexpected recipe: %v", recipe)
	}
}

func TestEndToEndWorkerFailure(t *testing.T) {
	s := newStack(t, `cat >/dev/null
echo "CUDA out of memory" >&2
exit 1
`, "exit 1\n")

	jobID := s.submitImage(t)
	code, env := s.pollUntilResolved(t, "/images/analysis/"+jobID)

	if code != http.StatusOK || env.ResultCode != api.ResultAnalysisFailed || env.Success {
		t.Fatalf("unexpected poll result %d: %+v", code, env)
	}
	msg, _ := env.Data.(map[string]any)["error_message"].(string)
	if msg != "analysis failed: CUDA out of memory" {
		t.Fatalf("unexpected error message %q", msg)
	}

	job, err := s.jobs.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := os.Stat(job.InputRef); !os.IsNotExist(err) {
		t.Fatalf("failed job input should be released, stat err = %v", err)
	}
}

func TestEndToEndTimeout(t *testing.T) {
	s := newStack(t, "sleep 30\n", "exit 1\n")

	start := time.Now()
	jobID := s.submitImage(t)
	_, env := s.pollUntilResolved(t, "/images/analysis/"+jobID)

	if env.ResultCode != api.ResultAnalysisFailed {
		t.Fatalf("expected failed analysis, got %+v", env)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Second {
		t.Fatalf("job resolved after %v, before the 5s timeout", elapsed)
	}
	msg, _ := env.Data.(map[string]any)["error_message"].(string)
	if !strings.Contains(msg, "timed out") {
		t.Fatalf("unexpected error message %q", msg)
	}
}
