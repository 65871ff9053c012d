package database

import (
	"testing"

	"github.com/opsfield/crewsync/internal/engine"
	"go.uber.org/zap"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{
		"sync_entities",
		"entity_changes",
		"idempotency_records",
		"conflict_records",
		"device_cursors",
		"sync_retention",
		"devices",
		"db_migrations",
	} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenSQLiteSeedsRetentionMark(t *testing.T) {
	db, err := OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	var mark engine.RetentionMark
	if err := db.Where("id = ?", 1).Take(&mark).Error; err != nil {
		t.Fatalf("expected seeded retention mark: %v", err)
	}
	if mark.FloorSeq != 0 {
		t.Fatalf("expected zero floor, got %d", mark.FloorSeq)
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/crewsync.db"
	if _, err := OpenSQLite(path, nil); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied migration, got %d", applied)
	}
}
