package vectorstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "vectors.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func unitVector(dominant int) [Dimension]float32 {
	var v [Dimension]float32
	v[dominant] = 1
	return v
}

func TestAddRecordsChainIntegrity(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.CreateEmptyTable(ctx, "kb_1"); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	recs := []AddRecordRequest{
		{Vector: unitVector(0), Content: "a", ContentType: ContentText, BatchID: "100"},
		{Vector: unitVector(1), Content: "b", ContentType: ContentText, BatchID: "100"},
		{Vector: unitVector(2), Content: "c", ContentType: ContentText, BatchID: "100"},
	}
	if err := store.AddRecords(ctx, "kb_1", recs); err != nil {
		t.Fatalf("adding records: %v", err)
	}

	hits, err := store.Search(ctx, "kb_1", SearchRequest{BatchID: ptrString("100")})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(hits))
	}

	byID := make(map[int64]VectorRow)
	for _, h := range hits {
		byID[h.Row.ID] = h.Row
	}

	var heads, tails int
	for _, row := range byID {
		if row.Prev == nil {
			heads++
		}
		if row.Next == nil {
			tails++
		}
	}
	if heads != 1 || tails != 1 {
		t.Fatalf("expected exactly one head and tail, got heads=%d tails=%d", heads, tails)
	}

	var head VectorRow
	for _, row := range byID {
		if row.Prev == nil {
			head = row
		}
	}
	visited := map[int64]bool{head.ID: true}
	cur := head
	for cur.Next != nil {
		next, ok := byID[*cur.Next]
		if !ok {
			t.Fatalf("broken chain at id %d", cur.ID)
		}
		visited[next.ID] = true
		cur = next
	}
	if len(visited) != 3 {
		t.Fatalf("chain walk visited %d of 3 rows", len(visited))
	}
}

func TestSearchScoreConversionAndMinScore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.CreateEmptyTable(ctx, "kb_1"); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	query := unitVector(0)
	recs := []AddRecordRequest{
		{Vector: unitVector(0), Content: "identical", ContentType: ContentText, BatchID: "1"},
		{Vector: unitVector(1), Content: "orthogonal", ContentType: ContentText, BatchID: "1"},
	}
	if err := store.AddRecords(ctx, "kb_1", recs); err != nil {
		t.Fatalf("adding records: %v", err)
	}

	hits, err := store.Search(ctx, "kb_1", SearchRequest{Vector: &query, MinScore: 1.0})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected exactly the identical vector to pass min_score=1.0, got %d hits", len(hits))
	}
	if *hits[0].Score != 1.0 {
		t.Fatalf("expected score 1.0 for identical vector, got %v", *hits[0].Score)
	}

	hits, err = store.Search(ctx, "kb_1", SearchRequest{Vector: &query, MinScore: 0})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits with min_score=0, got %d", len(hits))
	}
	for i := 1; i < len(hits); i++ {
		if *hits[i-1].Score < *hits[i].Score {
			t.Fatalf("results not sorted descending by score")
		}
	}
}

func TestDeleteRecordsByBatchIDRemovesAll(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.CreateEmptyTable(ctx, "kb_1"); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	recs := []AddRecordRequest{
		{Vector: unitVector(0), Content: "a", ContentType: ContentText, BatchID: "b1"},
		{Vector: unitVector(1), Content: "b", ContentType: ContentText, BatchID: "b1"},
	}
	if err := store.AddRecords(ctx, "kb_1", recs); err != nil {
		t.Fatalf("adding records: %v", err)
	}

	if err := store.DeleteRecordsByBatchID(ctx, "kb_1", []string{"b1"}); err != nil {
		t.Fatalf("deleting: %v", err)
	}

	hits, err := store.Search(ctx, "kb_1", SearchRequest{BatchID: ptrString("b1")})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no rows after delete, got %d", len(hits))
	}
}

func TestUpdateRecordNonexistentReturnsInvalidParameter(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.CreateEmptyTable(ctx, "kb_1"); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	payload := "x"
	err := store.UpdateRecord(ctx, "kb_1", 999, nil, &payload)
	if err == nil {
		t.Fatal("expected error updating nonexistent row")
	}
}

func TestInvalidTableNameRejected(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.CreateEmptyTable(ctx, "bad; drop table x"); err == nil {
		t.Fatal("expected rejection of unsafe table name")
	}
}

func ptrString(s string) *string { return &s }

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
