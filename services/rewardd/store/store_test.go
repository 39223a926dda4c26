package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"vendorvote/services/rewardd/models"
)

func TestOpenMemoryMigrates(t *testing.T) {
	db, err := Open(Config{Driver: DriverSQLite, DSN: MemoryDSN()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	for _, model := range []any{&models.User{}, &models.Vendor{}, &models.DistributionRecord{}, &models.Event{}, &models.IdempotencyKey{}} {
		require.True(t, db.Migrator().HasTable(model))
	}
	require.True(t, db.Migrator().HasIndex(&models.DistributionRecord{}, "idx_distribution_daily"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	_, err = Open(Config{Driver: DriverSQLite})
	require.Error(t, err)
}

func TestFileDSN(t *testing.T) {
	dir := t.TempDir()
	dsn, err := FileDSN(filepath.Join(dir, "rewardd.db"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:"+dir))
	require.Contains(t, dsn, "journal_mode(WAL)")

	db, err := Open(Config{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, Close(db))

	_, err = FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)
}
