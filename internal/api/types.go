package api

import (
	"time"

	"github.com/mattjoyce/larder/internal/projector"
)

// Result codes carried in response bodies. They mirror HTTP statuses except
// ResultAnalysisFailed, which marks a poll that found a failed job.
const (
	ResultOK             = 200
	ResultCreated        = 201
	ResultInProgress     = 202
	ResultAnalysisFailed = 603
)

// Envelope wraps every JSON response.
type Envelope struct {
	Success    bool   `json:"success"`
	ResultCode int    `json:"result_code"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
}

// SubmitResponse is the data of an accepted submission.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// RecommendationRequest is the JSON body for POST /recommendations.
type RecommendationRequest struct {
	QueryText             string `json:"queryText" validate:"max=500"`
	SelectedIngredientIDs []int  `json:"selectedIngredientIds" validate:"required,min=1,max=50,dive,gt=0"`
	RequireMain           bool   `json:"requireMain"`
}

// JobView is the part of a job every poll response shows.
type JobView struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	AnalyzedAt   *time.Time `json:"analyzed_at,omitempty"`
}

// IngredientItem keeps the classId/label shape front ends already read.
type IngredientItem struct {
	ClassID int    `json:"classId"`
	Label   string `json:"label"`
}

// AnalysisResult is the data of a completed detection poll.
type AnalysisResult struct {
	JobView
	IdentifiedIngredients []IngredientItem `json:"identified_ingredients"`
}

// RecommendationResult is the data of a completed recommendation poll.
type RecommendationResult struct {
	JobView
	Recipes []projector.Item `json:"recipes"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}
