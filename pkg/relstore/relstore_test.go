package relstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNewTableEmptyColumnNames(t *testing.T) {
	ctx := context.Background()
	store := New(filepath.Join(t.TempDir(), "data.db"))

	if err := store.NewTable(ctx, "people", []string{"name", "", "age"}); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	if err := store.AddData(ctx, "people", [][]string{{"alice", "x", "30"}}); err != nil {
		t.Fatalf("adding data: %v", err)
	}

	rows, err := store.Query(ctx, "SELECT name, unknown_1, age FROM people", true)
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(rows) != 1 || rows[0][0] != "alice" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestColumnNameWithSpecialCharactersSurvives(t *testing.T) {
	ctx := context.Background()
	store := New(filepath.Join(t.TempDir(), "data.db"))

	col := `a b; DROP TABLE x;`
	if err := store.NewTable(ctx, "weird", []string{col}); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	if err := store.AddData(ctx, "weird", [][]string{{"v"}}); err != nil {
		t.Fatalf("adding data: %v", err)
	}

	rows, err := store.Query(ctx, `SELECT "a b; DROP TABLE x;" FROM weird`, true)
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(rows) != 1 || rows[0][0] != "v" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestQueryRejectsNonSelectWhenReadOnly(t *testing.T) {
	ctx := context.Background()
	store := New(filepath.Join(t.TempDir(), "data.db"))
	if err := store.NewTable(ctx, "t", []string{"a"}); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	if _, err := store.Query(ctx, `DROP TABLE t`, true); err == nil {
		t.Fatal("expected rejection of non-SELECT statement")
	}
	if _, err := store.Query(ctx, `ATTACH DATABASE 'x' AS y`, true); err == nil {
		t.Fatal("expected rejection of ATTACH")
	}
}

func TestDropTableCascadesStatistics(t *testing.T) {
	ctx := context.Background()
	store := New(filepath.Join(t.TempDir(), "data.db"))
	if err := store.NewTable(ctx, "t", []string{"a"}); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	if err := store.DropTable(ctx, "t"); err != nil {
		t.Fatalf("dropping table: %v", err)
	}
	if _, _, err := store.Stats(ctx, "t"); err == nil {
		t.Fatal("expected error reading statistics for dropped table")
	}
}
