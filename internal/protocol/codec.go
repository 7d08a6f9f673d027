package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxPreviewBytes bounds how much raw worker output ends up in diagnostics.
const MaxPreviewBytes = 500

// EncodeRecommendationRequest serializes req as a single JSON document. List
// fields are always written as arrays, never null.
func EncodeRecommendationRequest(w io.Writer, req *RecommendationRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("recommendation request missing userId")
	}
	out := *req
	out.OwnedIngredientIDs = nonNil(out.OwnedIngredientIDs)
	out.Query.SelectedIngredientIDs = nonNil(out.Query.SelectedIngredientIDs)
	out.Candidates = make([]Candidate, len(req.Candidates))
	for i, c := range req.Candidates {
		c.IngredientIDs = nonNil(c.IngredientIDs)
		c.MainIngredientIDs = nonNil(c.MainIngredientIDs)
		out.Candidates[i] = c
	}
	if err := json.NewEncoder(w).Encode(&out); err != nil {
		return fmt.Errorf("failed to encode recommendation request: %w", err)
	}
	return nil
}

// Decode parses worker stdout. Unknown fields are ignored so newer workers
// stay compatible. A legacy statusCode is normalized into ResultCode.
func Decode(data []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("worker produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("worker output is not valid JSON: %w", err)
	}

	if resp.ResultCode == nil && resp.StatusCode != nil {
		code := *resp.StatusCode
		resp.ResultCode = &code
	}
	return &resp, nil
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}

// Preview returns at most MaxPreviewBytes of data for logging, cut on a
// character boundary.
func Preview(data []byte) string {
	if len(data) > MaxPreviewBytes {
		return string(data[:RuneBoundary(data, MaxPreviewBytes)]) + "...(truncated)"
	}
	return string(data)
}

// RuneBoundary returns the largest n' <= n that does not split a UTF-8
// sequence in data. n must not exceed len(data).
func RuneBoundary(data []byte, n int) int {
	if n >= len(data) {
		return len(data)
	}
	for i := n; i >= 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			return i
		}
	}
	return n
}
