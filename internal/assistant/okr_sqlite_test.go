package assistant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteOKRStore {
	t.Helper()
	store, err := NewSQLiteOKRStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateOKRAndDashboard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj, err := store.CreateOKR(ctx, "Improve onboarding", "dana", "Q3",
		[]string{"Cut signup time to 2 minutes", "Reach 80% activation"})
	require.NoError(t, err)
	assert.Len(t, obj.KeyResults, 2)
	assert.Zero(t, obj.Progress)

	dashboard, err := store.DashboardData(ctx)
	require.NoError(t, err)
	require.Len(t, dashboard.Objectives, 1)
	assert.Equal(t, "Improve onboarding", dashboard.Objectives[0].Title)
	assert.Zero(t, dashboard.AverageProgress)
}

func TestCreateOKRRequiresTitle(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateOKR(context.Background(), "", "", "", nil)
	assert.Error(t, err)
}

func TestUpdateProgressRecomputesObjective(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj, err := store.CreateOKR(ctx, "Ship streaming core", "lee", "Q3",
		[]string{"Cut reconnect time", "Zero dropped events"})
	require.NoError(t, err)

	updated, err := store.UpdateProgress(ctx, obj.KeyResults[0].ID, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, updated.Progress, 1e-9)

	updated, err = store.UpdateProgress(ctx, obj.KeyResults[1].ID, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, updated.Progress, 1e-9)
}

func TestUpdateProgressValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpdateProgress(ctx, "kr_missing", 0.5)
	assert.Error(t, err)

	obj, err := store.CreateOKR(ctx, "Obj", "", "", []string{"kr"})
	require.NoError(t, err)

	_, err = store.UpdateProgress(ctx, obj.KeyResults[0].ID, 1.5)
	assert.Error(t, err)
}
