package learning

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrations(t *testing.T) {
	store := setupTestStore(t)

	versions, err := store.GetAppliedVersions()
	require.NoError(t, err)
	require.Len(t, versions, len(migrations))
	for i, v := range versions {
		assert.Equal(t, migrations[i].Version, v.Version)
		assert.False(t, v.AppliedAt.IsZero())
	}

	for _, table := range []string{"experiences", "skills", "memory_records", "routing_outcomes", "verification_grades"} {
		assert.True(t, tableExists(t, store, table), "table %s", table)
	}
}

func tableExists(t *testing.T, store *Store, table string) bool {
	t.Helper()
	var count int
	err := store.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	require.NoError(t, err)
	return count > 0
}

func TestApplyMigrations_Idempotency(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	require.NoError(t, store.ApplyMigrations(ctx))
	require.NoError(t, store.ApplyMigrations(ctx))

	versions, err := store.GetAppliedVersions()
	require.NoError(t, err)
	assert.Len(t, versions, len(migrations))
}

func TestGetLatestVersion(t *testing.T) {
	store := setupTestStore(t)

	latest, err := store.GetLatestVersion()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, latest)
}

func TestAddColumnIfNotExists(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	tx, err := store.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	// already added by migration 2
	require.NoError(t, store.addColumnIfNotExistsTx(ctx, tx, "experiences", "success", "BOOLEAN"))
	require.NoError(t, store.addColumnIfNotExistsTx(ctx, tx, "experiences", "notes", "TEXT"))
	require.NoError(t, store.addColumnIfNotExistsTx(ctx, tx, "experiences", "notes", "TEXT"))

	_, err = tx.ExecContext(ctx, `UPDATE experiences SET notes = 'x'`)
	assert.NoError(t, err)
}

func TestReopenKeepsSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "taskpilot.db")

	first, err := NewStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, dbPath, second.Path())
	versions, err := second.GetAppliedVersions()
	require.NoError(t, err)
	assert.Len(t, versions, len(migrations))
}
