package ingestion

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xgpxg/fskb/pkg/embedding"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/paths"
	"github.com/xgpxg/fskb/pkg/reader"
	"github.com/xgpxg/fskb/pkg/relstore"
	"github.com/xgpxg/fskb/pkg/vectorstore"
)

func newStubEmbedder(t *testing.T) *embedding.Service {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString(`{"data":[`)
		// EmbedBatch may request more than one vector; a single request
		// body's "input" length isn't inspected here, so this always
		// returns one vector — tests that embed multiple texts call
		// EmbedBatch per segment count they expect, matching the stub.
		vec := make([]float64, embedding.Dimension)
		for i := range vec {
			vec[i] = 0.01
		}
		fmt.Fprintf(&b, `{"embedding":[`)
		for i, v := range vec {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%v", v)
		}
		b.WriteString(`],"index":0}]}`)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(b.String()))
	}))
	t.Cleanup(server.Close)
	return embedding.New(server.URL, "test-key", "test-model")
}

func newTestDeps(t *testing.T) (Deps, *metadata.DB, *paths.Dirs) {
	t.Helper()
	dirs, err := paths.ResolveIn(t.TempDir())
	if err != nil {
		t.Fatalf("resolving dirs: %v", err)
	}

	db, err := metadata.Open(dirs.MetadataDB())
	if err != nil {
		t.Fatalf("opening metadata db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stores := map[string]*vectorstore.Store{}
	openVectors := func(tableName string) (*vectorstore.Store, error) {
		if s, ok := stores[tableName]; ok {
			return s, nil
		}
		s, err := vectorstore.Open(dirs.VectorDB(tableName))
		if err != nil {
			return nil, err
		}
		if err := s.CreateEmptyTable(context.Background(), tableName); err != nil {
			return nil, err
		}
		stores[tableName] = s
		return s, nil
	}

	deps := Deps{
		Metadata:    db,
		Paths:       dirs,
		Embedder:    newStubEmbedder(t),
		OpenVectors: openVectors,
		Relational: func(tableName string) *relstore.Store {
			return relstore.New(dirs.RelationalDB(tableName))
		},
	}
	return deps, db, dirs
}

func seedKB(t *testing.T, db *metadata.DB, tableName string) *metadata.KnowledgeBase {
	t.Helper()
	kb := &metadata.KnowledgeBase{
		ID:        1,
		Name:      "docs",
		TableName: tableName,
		Config:    metadata.DefaultKnowledgeBaseConfig(),
	}
	if err := db.CreateKnowledgeBase(context.Background(), kb); err != nil {
		t.Fatalf("creating kb: %v", err)
	}
	return kb
}

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestImportTxtHappyPathMarksSuccessAndInsertsVectors(t *testing.T) {
	deps, db, dirs := newTestDeps(t)
	kb := seedKB(t, db, "kb_1")

	filePath := writeTempFile(t, dirs.File, "notes.txt", "hello world, this is a small note.")
	record := &metadata.ImportRecord{
		ID: 1, KnowledgeBaseID: kb.ID, Title: "notes.txt", FilePath: filePath,
		Source: metadata.SourceLocalFile, FileContentType: metadata.ContentDocument,
		FileContentExtractType: metadata.ExtractText, Status: metadata.StatusWaiting,
	}
	if err := db.CreateImportRecord(context.Background(), record); err != nil {
		t.Fatalf("creating import record: %v", err)
	}

	p := New(deps)
	if err := p.Import(context.Background(), kb, record); err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}

	got, err := db.GetImportRecord(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("fetching record: %v", err)
	}
	if got.Status != metadata.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.StatusMsg)
	}

	store, err := deps.OpenVectors(kb.TableName)
	if err != nil {
		t.Fatalf("opening vector store: %v", err)
	}
	hits, err := store.Search(context.Background(), kb.TableName, vectorstore.SearchRequest{BatchID: strPtr("1")})
	if err != nil {
		t.Fatalf("searching vector store: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected at least one inserted vector row")
	}

	updatedKB, err := db.GetKnowledgeBase(context.Background(), kb.ID)
	if err != nil {
		t.Fatalf("fetching kb: %v", err)
	}
	if !strings.Contains(updatedKB.NaturalLanguageDesc, "notes.txt") {
		t.Fatalf("expected regenerated description to mention notes.txt, got %q", updatedKB.NaturalLanguageDesc)
	}
}

func TestImportUnsupportedExtensionMarksFailedAndPreservesDescription(t *testing.T) {
	deps, db, dirs := newTestDeps(t)
	kb := seedKB(t, db, "kb_1")

	filePath := writeTempFile(t, dirs.File, "archive.zip", "not a real archive")
	record := &metadata.ImportRecord{
		ID: 1, KnowledgeBaseID: kb.ID, Title: "archive.zip", FilePath: filePath,
		Source: metadata.SourceLocalFile, FileContentType: metadata.ContentDocument,
		FileContentExtractType: metadata.ExtractText, Status: metadata.StatusWaiting,
	}
	if err := db.CreateImportRecord(context.Background(), record); err != nil {
		t.Fatalf("creating import record: %v", err)
	}

	p := New(deps)
	err := p.Import(context.Background(), kb, record)
	if err == nil {
		t.Fatal("expected an error for an unsupported extension")
	}

	got, gerr := db.GetImportRecord(context.Background(), record.ID)
	if gerr != nil {
		t.Fatalf("fetching record: %v", gerr)
	}
	if got.Status != metadata.StatusFailed {
		t.Fatalf("expected failed status, got %s", got.Status)
	}
	if got.StatusMsg == "" {
		t.Fatal("expected a non-empty status message")
	}

	updatedKB, kerr := db.GetKnowledgeBase(context.Background(), kb.ID)
	if kerr != nil {
		t.Fatalf("fetching kb: %v", kerr)
	}
	if !strings.Contains(updatedKB.NaturalLanguageDesc, "no imported sources yet") {
		t.Fatalf("expected fallback description after failure, got %q", updatedKB.NaturalLanguageDesc)
	}
}

func TestImagePipelineRejectsTextExtraction(t *testing.T) {
	deps, db, dirs := newTestDeps(t)
	kb := seedKB(t, db, "kb_1")

	filePath := writeTempFile(t, dirs.File, "scan.png", "not a real png")
	record := &metadata.ImportRecord{
		ID: 1, KnowledgeBaseID: kb.ID, Title: "scan.png", FilePath: filePath,
		Source: metadata.SourceLocalFile, FileContentType: metadata.ContentDocument,
		FileContentExtractType: metadata.ExtractText, Status: metadata.StatusWaiting,
	}

	p := New(deps)
	_, _, err := p.process(context.Background(), kb, record)
	if err == nil {
		t.Fatal("expected text extraction on an image import to be rejected")
	}
	if !strings.Contains(err.Error(), "text extraction") {
		t.Fatalf("expected a text-extraction-specific error, got %v", err)
	}
}

func TestCreateRelationalTableInsertsRowsAndStatistics(t *testing.T) {
	deps, db, _ := newTestDeps(t)
	kb := seedKB(t, db, "kb_1")

	record := &metadata.ImportRecord{ID: 1, KnowledgeBaseID: kb.ID, Title: "people", FileContentType: metadata.ContentTable}
	table := &tableFixture
	p := New(deps)

	if err := p.createRelationalTable(context.Background(), kb, record, table); err != nil {
		t.Fatalf("creating relational table: %v", err)
	}

	store := deps.Relational(kb.TableName)
	rows, err := store.Query(context.Background(), `SELECT name, age FROM "people"`, true)
	if err != nil {
		t.Fatalf("querying relational table: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	rowCount, charCount, err := store.Stats(context.Background(), "people")
	if err != nil {
		t.Fatalf("reading stats: %v", err)
	}
	if rowCount != 2 || charCount == 0 {
		t.Fatalf("expected non-zero statistics, got rows=%d chars=%d", rowCount, charCount)
	}
}

func TestDeleteRemovesVectorRowsAndRelationalTable(t *testing.T) {
	deps, db, _ := newTestDeps(t)
	kb := seedKB(t, db, "kb_1")

	record := &metadata.ImportRecord{ID: 1, KnowledgeBaseID: kb.ID, Title: "people", FileContentType: metadata.ContentTable}
	if err := db.CreateImportRecord(context.Background(), record); err != nil {
		t.Fatalf("creating import record: %v", err)
	}

	p := New(deps)
	if err := p.createRelationalTable(context.Background(), kb, record, &tableFixture); err != nil {
		t.Fatalf("creating relational table: %v", err)
	}

	store, err := deps.OpenVectors(kb.TableName)
	if err != nil {
		t.Fatalf("opening vector store: %v", err)
	}
	var vec [vectorstore.Dimension]float32
	if err := store.AddRecords(context.Background(), kb.TableName, []vectorstore.AddRecordRequest{
		{Vector: vec, Content: "x", ContentType: vectorstore.ContentText, BatchID: "1"},
	}); err != nil {
		t.Fatalf("seeding vector row: %v", err)
	}

	if err := p.Delete(context.Background(), kb, record); err != nil {
		t.Fatalf("deleting record: %v", err)
	}

	hits, err := store.Search(context.Background(), kb.TableName, vectorstore.SearchRequest{BatchID: strPtr("1")})
	if err != nil {
		t.Fatalf("searching after delete: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no remaining vector rows, got %d", len(hits))
	}

	if _, err := db.GetImportRecord(context.Background(), record.ID); err == nil {
		t.Fatal("expected import record to be gone after delete")
	}

	relStore := deps.Relational(kb.TableName)
	if _, err := relStore.Query(context.Background(), `SELECT * FROM "people"`, false); err == nil {
		t.Fatal("expected relational table to be dropped")
	}
}

func TestSuccessfulTitlesExcludesFailedAndCurrentRecord(t *testing.T) {
	deps, db, _ := newTestDeps(t)
	kb := seedKB(t, db, "kb_1")

	ok := &metadata.ImportRecord{ID: 1, KnowledgeBaseID: kb.ID, Title: "a.txt", Status: metadata.StatusWaiting}
	if err := db.CreateImportRecord(context.Background(), ok); err != nil {
		t.Fatalf("creating record: %v", err)
	}
	if err := db.UpdateImportRecordStatus(context.Background(), ok.ID, metadata.StatusSuccess, ""); err != nil {
		t.Fatalf("marking success: %v", err)
	}

	failed := &metadata.ImportRecord{ID: 2, KnowledgeBaseID: kb.ID, Title: "b.txt", Status: metadata.StatusWaiting}
	if err := db.CreateImportRecord(context.Background(), failed); err != nil {
		t.Fatalf("creating record: %v", err)
	}
	if err := db.UpdateImportRecordStatus(context.Background(), failed.ID, metadata.StatusFailed, "boom"); err != nil {
		t.Fatalf("marking failed: %v", err)
	}

	current := &metadata.ImportRecord{ID: 3, KnowledgeBaseID: kb.ID, Title: "c.txt", Status: metadata.StatusWaiting}
	if err := db.CreateImportRecord(context.Background(), current); err != nil {
		t.Fatalf("creating record: %v", err)
	}

	p := New(deps)
	titles, err := p.successfulTitles(context.Background(), kb.ID, current, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(titles) != 2 || titles[0] != "a.txt" || titles[1] != "c.txt" {
		t.Fatalf("expected [a.txt c.txt], got %v", titles)
	}
}

var tableFixture = reader.Table{
	Headers: []string{"name", "age"},
	Rows:    [][]string{{"Alice", "30"}, {"Bob", "25"}},
}

func strPtr(s string) *string { return &s }
