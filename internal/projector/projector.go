// Package projector turns raw worker output into the identifier list stored
// on a job, and turns stored results back into display records on read.
package projector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/larder/internal/catalog"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/log"
	"github.com/mattjoyce/larder/internal/protocol"
)

// Catalog resolves identifiers to display names.
type Catalog interface {
	ResolveIngredients(ctx context.Context, ids []int) ([]catalog.Ingredient, error)
	ResolveRecipes(ctx context.Context, ids []int) ([]catalog.Recipe, error)
}

// Item is one resolved identifier.
type Item struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Projector struct {
	catalog Catalog
}

func New(c Catalog) *Projector {
	return &Projector{catalog: c}
}

// Normalize reduces a worker response to the canonical stored result: a
// JSON array of unique identifiers in first-occurrence order. An empty
// result is "[]", never null.
func Normalize(kind jobstore.Kind, resp *protocol.Response) (json.RawMessage, error) {
	var ids []int
	switch kind {
	case jobstore.KindDetection:
		for _, d := range resp.Detections {
			ids = append(ids, d.ClassID)
		}
	case jobstore.KindRecommendation:
		for _, r := range resp.Recommendations {
			ids = append(ids, r.RecipeID)
		}
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	return json.Marshal(Dedup(ids))
}

// Dedup drops repeated ids, keeping the first occurrence.
func Dedup(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// storedEntry decodes one element of a stored result. Current rows hold bare
// integers; rows written before the migration hold whole detection or
// recommendation objects. An object without an identifier decodes with ok
// unset and is skipped.
type storedEntry struct {
	id  int
	ok  bool
	raw string
}

func (e *storedEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var legacy struct {
			ClassID  *int `json:"classId"`
			RecipeID *int `json:"recipeId"`
			ID       *int `json:"id"`
		}
		if err := json.Unmarshal(data, &legacy); err != nil {
			return err
		}
		e.ok = true
		switch {
		case legacy.ClassID != nil:
			e.id = *legacy.ClassID
		case legacy.RecipeID != nil:
			e.id = *legacy.RecipeID
		case legacy.ID != nil:
			e.id = *legacy.ID
		default:
			e.ok = false
			e.raw = string(data)
		}
		return nil
	}
	if err := json.Unmarshal(data, &e.id); err != nil {
		return err
	}
	e.ok = true
	return nil
}

// IDs decodes a stored result in either shape into a deduplicated id list.
// A whole legacy worker document ({"detections": [...]}) is accepted too.
func IDs(raw json.RawMessage) ([]int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []int{}, nil
	}

	// Some rows hold the list serialized a second time, as a JSON string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		doc := bytes.TrimSpace([]byte(inner))
		if len(doc) > 0 && doc[0] == '"' {
			return nil, fmt.Errorf("decode stored result: string wraps another string")
		}
		return IDs(doc)
	}

	if raw[0] == '{' {
		var doc struct {
			Detections      json.RawMessage `json:"detections"`
			Recommendations json.RawMessage `json:"recommendations"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		switch {
		case len(doc.Detections) > 0:
			raw = doc.Detections
		case len(doc.Recommendations) > 0:
			raw = doc.Recommendations
		default:
			return []int{}, nil
		}
	}

	var entries []storedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.ok {
			log.WithComponent("projector").Warn("skipping stored entry without identifier", "entry", e.raw)
			continue
		}
		ids = append(ids, e.id)
	}
	return Dedup(ids), nil
}

// Resolve decodes a completed job's stored result and resolves it through
// the catalog.
func (p *Projector) Resolve(ctx context.Context, kind jobstore.Kind, raw json.RawMessage) ([]Item, error) {
	ids, err := IDs(raw)
	if err != nil {
		return nil, err
	}

	out := make([]Item, 0, len(ids))
	switch kind {
	case jobstore.KindDetection:
		ings, err := p.catalog.ResolveIngredients(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, ing := range ings {
			out = append(out, Item{ID: ing.ID, Name: ing.Name})
		}
	case jobstore.KindRecommendation:
		recipes, err := p.catalog.ResolveRecipes(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range recipes {
			out = append(out, Item{ID: r.ID, Name: r.Name})
		}
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	return out, nil
}
