package dispatch

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/worker"
)

//go:generate mockgen -destination=mocks/mock_interfaces.go -package=mocks github.com/mattjoyce/larder/internal/dispatch JobStore,InputSource,WorkerRunner

// JobStore is the slice of the job store the dispatcher writes through.
type JobStore interface {
	Create(ctx context.Context, req jobstore.CreateRequest) (string, error)
	MarkProcessing(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, jobID string, message string) error
}

// InputSource loads and releases job input payloads by reference.
type InputSource interface {
	Load(ctx context.Context, ref string) ([]byte, error)
	Release(ctx context.Context, ref string) error
}

// WorkerRunner runs one worker invocation.
type WorkerRunner interface {
	Invoke(ctx context.Context, p worker.Profile, payload []byte) (*worker.Output, error)
}
