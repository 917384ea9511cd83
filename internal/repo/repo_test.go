package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"fitgpt/internal/db"
	"fitgpt/internal/domain"
	"fitgpt/internal/migrate"
)

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Repo{DB: conn}
}

func TestMealsUpsertByDateAndName(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	kcal := 450
	m, err := r.PutMeal(ctx, domain.Meal{Date: "2025-07-03", Meal: "Breakfast", Items: "oats", EstimatedCalories: &kcal})
	require.NoError(t, err)
	require.Equal(t, "2025-07-03-breakfast", m.ID)

	kcal2 := 500
	m2, err := r.PutMeal(ctx, domain.Meal{Date: "2025-07-03", Meal: "breakfast", Items: "oats, banana", EstimatedCalories: &kcal2})
	require.NoError(t, err)
	require.Equal(t, m.ID, m2.ID)
	require.Equal(t, m.CreatedAt, m2.CreatedAt)

	_, err = r.PutMeal(ctx, domain.Meal{Date: "2025-07-03", Meal: "snack", Items: "apple"})
	require.NoError(t, err)

	meals, err := r.ListMeals(ctx, "2025-07-03")
	require.NoError(t, err)
	require.Len(t, meals, 2)
	require.Equal(t, 500, *meals[0].EstimatedCalories)
	require.Nil(t, meals[1].EstimatedCalories)

	empty, err := r.ListMeals(ctx, "2025-07-04")
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, r.DeleteMealTx(ctx, nil, m.ID))
	require.ErrorIs(t, r.DeleteMealTx(ctx, nil, m.ID), ErrNotFound)
	_, err = r.GetMeal(ctx, m.ID)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestWorkoutsKeepStorageOrder(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := r.InsertWorkoutTx(ctx, nil, domain.Workout{ID: id, Date: "2025-07-03", Type: "Run"})
		require.NoError(t, err)
	}
	list, err := r.ListWorkouts(ctx, "2025-07-03")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
	require.Empty(t, list[0].StartTime)

	updated, err := r.PutWorkoutTx(ctx, nil, domain.Workout{ID: "a", Date: "2025-07-03", Type: "Yoga", StartTime: "2025-07-03T07:00:00"})
	require.NoError(t, err)
	require.Equal(t, "Yoga", updated.Type)
	require.Equal(t, "2025-07-03T07:00:00", updated.StartTime)

	_, err = r.PutWorkoutTx(ctx, nil, domain.Workout{ID: "missing", Date: "2025-07-03"})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.DeleteWorkoutTx(ctx, nil, "c"))
	_, err = r.GetWorkout(ctx, "c")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProfileAndToken(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	p, err := r.GetProfile(ctx)
	require.NoError(t, err)
	require.Empty(t, p)
	require.NoError(t, r.PutProfileTx(ctx, nil, map[string]any{"name": "Alex", "weight_goal": 72.5}))
	p, err = r.GetProfile(ctx)
	require.NoError(t, err)
	require.Equal(t, "Alex", p["name"])

	_, err = r.GetToken(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.PutToken(ctx, domain.Token{AccessToken: "a", RefreshToken: "b", ExpiresIn: 28800, SavedAt: 100}))
	tok, err := r.GetToken(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), tok.SavedAt)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	hash := HashAPIKey(" secret ")
	require.Equal(t, HashAPIKey("secret"), hash)
	has, err := r.HasAPIKeys(ctx)
	require.NoError(t, err)
	require.False(t, has)
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", Name: "phone", KeyHash: hash}))
	has, err = r.HasAPIKeys(ctx)
	require.NoError(t, err)
	require.True(t, has)
	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "phone", key.Name)
	keys, err := r.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	_, err = r.GetAPIKeyByHash(ctx, hash)
	require.ErrorIs(t, err, ErrNotFound)
}
