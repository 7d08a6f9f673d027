package projector

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/larder/internal/catalog"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/log"
	"github.com/mattjoyce/larder/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeCatalog struct {
	ingredients map[int]string
	recipes     map[int]string
	err         error
	calls       [][]int
}

func (f *fakeCatalog) ResolveIngredients(_ context.Context, ids []int) ([]catalog.Ingredient, error) {
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	var out []catalog.Ingredient
	for _, id := range ids {
		if name, ok := f.ingredients[id]; ok {
			out = append(out, catalog.Ingredient{ID: id, Name: name})
		}
	}
	return out, nil
}

func (f *fakeCatalog) ResolveRecipes(_ context.Context, ids []int) ([]catalog.Recipe, error) {
	f.calls = append(f.calls, ids)
	var out []catalog.Recipe
	for _, id := range ids {
		if name, ok := f.recipes[id]; ok {
			out = append(out, catalog.Recipe{ID: id, Name: name})
		}
	}
	return out, nil
}

func TestNormalizeDetections(t *testing.T) {
	resp := &protocol.Response{
		Success: true,
		Detections: []protocol.Detection{
			{ClassID: 17, Label: "tomato"},
			{ClassID: 49, Label: "garlic"},
			{ClassID: 17, Label: "tomato"},
		},
	}
	got, err := Normalize(jobstore.KindDetection, resp)
	require.NoError(t, err)
	assert.JSONEq(t, `[17,49]`, string(got))
}

func TestNormalizeEmptyIsArray(t *testing.T) {
	got, err := Normalize(jobstore.KindDetection, &protocol.Response{Success: true})
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))
}

func TestNormalizeRecommendations(t *testing.T) {
	resp := &protocol.Response{
		Success:         true,
		Recommendations: []protocol.Recommendation{{RecipeID: 5}, {RecipeID: 2}, {RecipeID: 5}},
	}
	got, err := Normalize(jobstore.KindRecommendation, resp)
	require.NoError(t, err)
	assert.JSONEq(t, `[5,2]`, string(got))
}

func TestDedupKeepsFirstOccurrence(t *testing.T) {
	assert.Equal(t, []int{3, 1, 2}, Dedup([]int{3, 1, 3, 2, 1, 3}))
	assert.Equal(t, []int{}, Dedup(nil))
}

func TestIDsStoredShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int
	}{
		{"plain ids", `[17,49]`, []int{17, 49}},
		{"legacy detection objects", `[{"classId":17,"label":"tomato","bbox":[0,0,1,1],"confidence":0.9},{"classId":49,"label":"garlic"},{"classId":17}]`, []int{17, 49}},
		{"legacy recommendation objects", `[{"recipeId":4,"score":0.3},{"recipeId":4}]`, []int{4}},
		{"mixed", `[17,{"classId":49}]`, []int{17, 49}},
		{"whole legacy document", `{"success":true,"detections":[{"classId":49},{"classId":17}]}`, []int{49, 17}},
		{"list serialized as a string", `"[17,49,17]"`, []int{17, 49}},
		{"legacy objects serialized as a string", `"[{\"classId\":49},{\"classId\":17}]"`, []int{49, 17}},
		{"empty string", `""`, []int{}},
		{"object without identifier is skipped", `[{"label":"x"},{"classId":3},{"score":0.4}]`, []int{3}},
		{"only objects without identifier", `[{"label":"x"}]`, []int{}},
		{"empty", `[]`, []int{}},
		{"null", `null`, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IDs(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIDsRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`"abc"`, `"\"[1]\""`, `[1,`, `["x"]`} {
		_, err := IDs(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestLegacyAndCurrentShapesProjectIdentically(t *testing.T) {
	cat := &fakeCatalog{ingredients: map[int]string{17: "tomato", 49: "garlic"}}
	p := New(cat)
	ctx := context.Background()

	current, err := p.Resolve(ctx, jobstore.KindDetection, json.RawMessage(`[17,49]`))
	require.NoError(t, err)
	legacy, err := p.Resolve(ctx, jobstore.KindDetection, json.RawMessage(`[{"classId":17,"label":"tomato"},{"classId":49,"label":"garlic"},{"classId":17}]`))
	require.NoError(t, err)

	assert.Equal(t, current, legacy)
	assert.Equal(t, []Item{{ID: 17, Name: "tomato"}, {ID: 49, Name: "garlic"}}, current)
	assert.Equal(t, [][]int{{17, 49}, {17, 49}}, cat.calls)
}

func TestResolveRecommendations(t *testing.T) {
	p := New(&fakeCatalog{recipes: map[int]string{5: "stew", 2: "soup"}})
	got, err := p.Resolve(context.Background(), jobstore.KindRecommendation, json.RawMessage(`[5,2,9]`))
	require.NoError(t, err)
	assert.Equal(t, []Item{{ID: 5, Name: "stew"}, {ID: 2, Name: "soup"}}, got)
}

func TestResolveEmptyResult(t *testing.T) {
	p := New(&fakeCatalog{})
	got, err := p.Resolve(context.Background(), jobstore.KindDetection, json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestResolveCatalogError(t *testing.T) {
	boom := errors.New("catalog down")
	p := New(&fakeCatalog{err: boom})
	_, err := p.Resolve(context.Background(), jobstore.KindDetection, json.RawMessage(`[1]`))
	assert.ErrorIs(t, err, boom)
}
