package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/larder/internal/auth"
	"github.com/mattjoyce/larder/internal/dispatch"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/protocol"
	"github.com/mattjoyce/larder/internal/upload"
)

// imageField is the multipart field carrying the upload.
const imageField = "image"

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".heic": true,
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Jobs.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleUploadImage handles POST /images.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	// Room for multipart framing around the image itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+64<<10)
	file, header, err := r.FormFile(imageField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
			return
		}
		s.writeError(w, http.StatusBadRequest, "an image file is required in the \"image\" field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !imageExts[ext] {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported image type %q", ext))
		return
	}

	ref, err := s.deps.Inputs.Save(r.Context(), file, ext, s.config.MaxUploadBytes)
	if err != nil {
		if errors.Is(err, upload.ErrTooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
			return
		}
		s.logger.Error("failed to store upload", "owner_id", principal.Subject, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	s.submit(w, r, jobstore.KindDetection, principal.Subject, ref, "image uploaded, analysis pending")
}

// handleRequestRecommendation handles POST /recommendations.
func (s *Server) handleRequestRecommendation(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	var req RecommendationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ctx := r.Context()
	owned, err := s.deps.Catalog.OwnedIngredientIDs(ctx, principal.Subject)
	if err != nil {
		s.logger.Error("failed to load inventory", "owner_id", principal.Subject, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load inventory")
		return
	}
	candidates, err := s.deps.Catalog.Candidates(ctx, req.SelectedIngredientIDs, req.RequireMain)
	if err != nil {
		s.logger.Error("failed to load candidate recipes", "owner_id", principal.Subject, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load candidate recipes")
		return
	}

	var buf bytes.Buffer
	err = protocol.EncodeRecommendationRequest(&buf, &protocol.RecommendationRequest{
		UserID:             principal.Subject,
		OwnedIngredientIDs: owned,
		Query: protocol.Query{
			QueryText:             req.QueryText,
			SelectedIngredientIDs: req.SelectedIngredientIDs,
		},
		RequireMain: req.RequireMain,
		Candidates:  candidates,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref, err := s.deps.Inputs.Save(ctx, &buf, ".json", 0)
	if err != nil {
		s.logger.Error("failed to store recommendation request", "owner_id", principal.Subject, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store request")
		return
	}

	s.submit(w, r, jobstore.KindRecommendation, principal.Subject, ref, "recommendation requested")
}

// submit creates the job for a stored input. The input is released when no
// job could be created for it.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind jobstore.Kind, owner, ref, message string) {
	jobID, err := s.deps.Submitter.Submit(r.Context(), kind, owner, ref)
	if err != nil {
		if rerr := s.deps.Inputs.Release(r.Context(), ref); rerr != nil {
			s.logger.Warn("failed to release input of rejected submission", "input_ref", ref, "error", rerr)
		}
		s.logger.Error("failed to submit job", "kind", kind, "owner_id", owner, "error", err)
		if errors.Is(err, dispatch.ErrShuttingDown) || errors.Is(err, dispatch.ErrPersistence) {
			s.writeError(w, http.StatusServiceUnavailable, "job could not be accepted, try again later")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	respondJSON(w, http.StatusCreated, Envelope{
		Success:    true,
		ResultCode: ResultCreated,
		Message:    message,
		Data:       SubmitResponse{JobID: jobID, Status: string(jobstore.StatusPending)},
	})
}

// handleGetAnalysis handles GET /images/analysis/{jobID}.
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	s.poll(w, r, jobstore.KindDetection)
}

// handleGetRecommendation handles GET /recommendations/{jobID}.
func (s *Server) handleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	s.poll(w, r, jobstore.KindRecommendation)
}

// poll reports a job's state to its owner. A failed job is a successful
// lookup: it answers 200 with ResultAnalysisFailed and the stored message.
func (s *Server) poll(w http.ResponseWriter, r *http.Request, kind jobstore.Kind) {
	jobID := chi.URLParam(r, "jobID")
	principal, _ := auth.PrincipalFromContext(r.Context())

	job, err := s.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	if job.Kind != kind {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.OwnerID != principal.Subject {
		s.writeError(w, http.StatusForbidden, "not allowed to read this job")
		return
	}

	view := JobView{
		ID:         job.ID,
		Status:     string(job.Status),
		CreatedAt:  job.CreatedAt,
		AnalyzedAt: job.ResolvedAt,
	}

	switch job.Status {
	case jobstore.StatusCompleted:
		items, err := s.deps.Resolver.Resolve(r.Context(), job.Kind, job.Result)
		if err != nil {
			s.logger.Error("failed to resolve job result", "job_id", jobID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to resolve job result")
			return
		}
		var data any
		if kind == jobstore.KindDetection {
			ingredients := make([]IngredientItem, 0, len(items))
			for _, it := range items {
				ingredients = append(ingredients, IngredientItem{ClassID: it.ID, Label: it.Name})
			}
			data = AnalysisResult{JobView: view, IdentifiedIngredients: ingredients}
		} else {
			data = RecommendationResult{JobView: view, Recipes: items}
		}
		respondJSON(w, http.StatusOK, Envelope{Success: true, ResultCode: ResultOK, Message: "analysis completed", Data: data})

	case jobstore.StatusFailed:
		view.ErrorMessage = job.ErrorMessage
		respondJSON(w, http.StatusOK, Envelope{Success: false, ResultCode: ResultAnalysisFailed, Message: "analysis failed, please try again", Data: view})

	default:
		respondJSON(w, http.StatusAccepted, Envelope{Success: true, ResultCode: ResultInProgress, Message: "analysis in progress", Data: view})
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, Envelope{Success: false, ResultCode: statusCode, Message: message})
}
