package dispatch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/larder/internal/config"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/storage"
	"github.com/mattjoyce/larder/internal/upload"
	"github.com/mattjoyce/larder/internal/worker"
)

type pipeline struct {
	disp    *Dispatcher
	store   *jobstore.Store
	uploads *upload.Store
}

func newPipeline(t *testing.T, script string, timeout time.Duration) pipeline {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	uploads, err := upload.NewFSStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	command := script
	if !strings.HasPrefix(script, "/") {
		command = filepath.Join(dir, "worker.sh")
		require.NoError(t, os.WriteFile(command, []byte("#!/bin/sh\n"+script), 0o755))
	}

	profiles := map[string]worker.Profile{
		config.ProfileDetection: {
			Name:     config.ProfileDetection,
			Command:  command,
			Encoding: config.EncodingBytes,
			Timeout:  timeout,
			Grace:    200 * time.Millisecond,
		},
	}
	store := jobstore.New(db)
	return pipeline{
		disp:    New(store, uploads, worker.NewInvoker(), nil, profiles, 2),
		store:   store,
		uploads: uploads,
	}
}

func (p pipeline) submitImage(t *testing.T) (string, string) {
	t.Helper()
	ref, err := p.uploads.Save(context.Background(), bytes.NewReader([]byte{0xff, 0xd8, 0xff}), ".jpg", 0)
	require.NoError(t, err)

	id, err := p.disp.Submit(context.Background(), jobstore.KindDetection, "user-7", ref)
	require.NoError(t, err)
	return id, ref
}

func TestPipelineDetectionCompletes(t *testing.T) {
	p := newPipeline(t, `cat >/dev/null
echo '{"success":true,"detections":[{"classId":17,"label":"tomato","confidence":0.9},{"classId":49,"label":"garlic"},{"classId":17,"label":"tomato"}]}'
`, 5*time.Second)

	id, ref := p.submitImage(t)
	p.disp.Wait()

	j, err := p.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, j.Status)
	assert.JSONEq(t, `[17,49]`, string(j.Result))
	assert.Nil(t, j.ErrorMessage)
	assert.NotNil(t, j.StartedAt)
	assert.FileExists(t, ref)
}

func TestPipelineTimeout(t *testing.T) {
	timeout := 300 * time.Millisecond
	p := newPipeline(t, "sleep 30\n", timeout)

	start := time.Now()
	id, ref := p.submitImage(t)

	pending, err := p.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, pending.Status.IsTerminal(), "job must not be terminal at acknowledgment")

	p.disp.Wait()
	elapsed := time.Since(start)

	j, err := p.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "timed out")
	assert.Nil(t, j.Result)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.NoFileExists(t, ref, "input must be released on failure")
}

func TestPipelineSpawnFailure(t *testing.T) {
	p := newPipeline(t, "/nonexistent/larder-worker", 5*time.Second)

	start := time.Now()
	id, ref := p.submitImage(t)
	p.disp.Wait()

	assert.Less(t, time.Since(start), 2*time.Second)
	j, err := p.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, j.Status)
	assert.Equal(t, "analysis failed: the worker could not be started", *j.ErrorMessage)
	assert.NoFileExists(t, ref)
}

func TestPipelineUnparseableOutput(t *testing.T) {
	p := newPipeline(t, `cat >/dev/null
echo 'Loading model weights...'
`, 5*time.Second)

	id, _ := p.submitImage(t)
	p.disp.Wait()

	j, err := p.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, j.Status)
	assert.Equal(t, "analysis failed: the worker returned an unreadable response", *j.ErrorMessage)
}
