// Package catalog reads the ingredient and recipe master data and the
// per-user inventory that feed worker requests and result projection.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/larder/internal/protocol"
)

// maxCandidates bounds the recipe list handed to the recommendation worker.
const maxCandidates = 500

type Ingredient struct {
	ID   int
	Name string
}

type Recipe struct {
	ID   int
	Name string
}

// RecipeIngredient links an ingredient into a recipe.
type RecipeIngredient struct {
	IngredientID int
	Main         bool
}

// Store is a SQLite-backed catalog.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// ResolveIngredients returns the known ingredients among ids in the order of
// ids. Unknown ids are skipped.
func (s *Store) ResolveIngredients(ctx context.Context, ids []int) ([]Ingredient, error) {
	names, err := s.names(ctx, "ingredient_master", ids)
	if err != nil {
		return nil, fmt.Errorf("resolve ingredients: %w", err)
	}
	out := make([]Ingredient, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out = append(out, Ingredient{ID: id, Name: name})
		}
	}
	return out, nil
}

// ResolveRecipes returns the known recipes among ids in the order of ids.
func (s *Store) ResolveRecipes(ctx context.Context, ids []int) ([]Recipe, error) {
	names, err := s.names(ctx, "recipe", ids)
	if err != nil {
		return nil, fmt.Errorf("resolve recipes: %w", err)
	}
	out := make([]Recipe, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out = append(out, Recipe{ID: id, Name: name})
		}
	}
	return out, nil
}

func (s *Store) names(ctx context.Context, table string, ids []int) (map[int]string, error) {
	out := make(map[int]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := fmt.Sprintf(`SELECT id, name FROM %s WHERE id IN (%s);`, table, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, q, intArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

// OwnedIngredientIDs lists the distinct ingredients a user holds a positive
// quantity of, ascending.
func (s *Store) OwnedIngredientIDs(ctx context.Context, userID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT ingredient_id
FROM inventory
WHERE user_id = ? AND quantity > 0
ORDER BY ingredient_id ASC;
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list owned ingredients: %w", err)
	}
	defer rows.Close()

	out := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan owned ingredient: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Candidates returns recipes that use at least one of ingredientIDs. With
// requireMain, the matching ingredient must be a main ingredient.
func (s *Store) Candidates(ctx context.Context, ingredientIDs []int, requireMain bool) ([]protocol.Candidate, error) {
	if len(ingredientIDs) == 0 {
		return nil, nil
	}

	mainClause := ""
	if requireMain {
		mainClause = "AND is_main = 1"
	}
	q := fmt.Sprintf(`
SELECT r.id, r.name, ri.ingredient_id, ri.is_main
FROM recipe r
JOIN recipe_ingredient ri ON ri.recipe_id = r.id
WHERE r.id IN (
  SELECT DISTINCT recipe_id FROM recipe_ingredient
  WHERE ingredient_id IN (%s) %s
  ORDER BY recipe_id
  LIMIT %d
)
ORDER BY r.id, ri.ingredient_id;
`, placeholders(len(ingredientIDs)), mainClause, maxCandidates)

	rows, err := s.db.QueryContext(ctx, q, intArgs(ingredientIDs)...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	byID := make(map[int]*protocol.Candidate)
	var order []int
	for rows.Next() {
		var (
			id, ingredientID int
			name             string
			isMain           bool
		)
		if err := rows.Scan(&id, &name, &ingredientID, &isMain); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c, ok := byID[id]
		if !ok {
			c = &protocol.Candidate{RecipeID: id, Name: name, IngredientIDs: []int{}, MainIngredientIDs: []int{}}
			byID[id] = c
			order = append(order, id)
		}
		c.IngredientIDs = append(c.IngredientIDs, ingredientID)
		if isMain {
			c.MainIngredientIDs = append(c.MainIngredientIDs, ingredientID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	sort.Ints(order)
	out := make([]protocol.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// PutIngredient inserts or renames an ingredient.
func (s *Store) PutIngredient(ctx context.Context, ing Ingredient) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ingredient_master(id, name) VALUES(?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name;
`, ing.ID, ing.Name)
	if err != nil {
		return fmt.Errorf("put ingredient %d: %w", ing.ID, err)
	}
	return nil
}

// PutRecipe inserts or replaces a recipe and its ingredient list.
func (s *Store) PutRecipe(ctx context.Context, r Recipe, ingredients []RecipeIngredient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO recipe(id, name) VALUES(?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name;
`, r.ID, r.Name); err != nil {
		return fmt.Errorf("put recipe %d: %w", r.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM recipe_ingredient WHERE recipe_id = ?;`, r.ID); err != nil {
		return fmt.Errorf("clear recipe %d ingredients: %w", r.ID, err)
	}
	for _, ri := range ingredients {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO recipe_ingredient(recipe_id, ingredient_id, is_main) VALUES(?, ?, ?);
`, r.ID, ri.IngredientID, ri.Main); err != nil {
			return fmt.Errorf("add ingredient %d to recipe %d: %w", ri.IngredientID, r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AddInventory records a quantity of an ingredient held by a user.
func (s *Store) AddInventory(ctx context.Context, userID string, ingredientID int, quantity float64, unit string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO inventory(user_id, ingredient_id, quantity, unit) VALUES(?, ?, ?, ?);
`, userID, ingredientID, quantity, unit)
	if err != nil {
		return fmt.Errorf("add inventory: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func intArgs(ids []int) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
