package protocol

import "encoding/json"

// Response is the single JSON document a worker writes to stdout before
// exiting 0. Detection workers fill Detections, recommendation workers fill
// Recommendations.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	// ResultCode is the canonical result code. Older workers send statusCode
	// instead; Decode copies it here.
	ResultCode      *int             `json:"result_code,omitempty"`
	StatusCode      *int             `json:"statusCode,omitempty"`
	Detections      []Detection      `json:"detections,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// Detection is one object found in an image.
type Detection struct {
	ClassID    int             `json:"classId"`
	Label      string          `json:"label,omitempty"`
	BBox       json.RawMessage `json:"bbox,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
}

// Recommendation is one ranked recipe.
type Recommendation struct {
	RecipeID int     `json:"recipeId"`
	Score    float64 `json:"score,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// RecommendationRequest is written to the recommendation worker's stdin.
type RecommendationRequest struct {
	UserID             string      `json:"userId"`
	OwnedIngredientIDs []int       `json:"ownedIngredientIds"`
	Query              Query       `json:"query"`
	RequireMain        bool        `json:"requireMain"`
	Candidates         []Candidate `json:"candidates"`
}

type Query struct {
	QueryText             string `json:"queryText"`
	SelectedIngredientIDs []int  `json:"selectedIngredientIds"`
}

// Candidate is a recipe the catalog pre-filtered for the worker to rank.
type Candidate struct {
	RecipeID          int    `json:"recipeId"`
	Name              string `json:"name"`
	IngredientIDs     []int  `json:"ingredientIds"`
	MainIngredientIDs []int  `json:"mainIngredientIds"`
}
