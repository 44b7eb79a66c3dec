package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xgpxg/fskb/pkg/embedding"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/vectorstore"
)

// newStubEmbedder stands up a fake OpenAI-compatible /embeddings
// endpoint returning a fixed 512-dim vector, so tests can exercise
// kbDocSearch without a real embedding provider.
func newStubEmbedder(t *testing.T) *embedding.Service {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vec := make([]float64, embedding.Dimension)
		var b strings.Builder
		b.WriteString(`{"data":[{"embedding":[`)
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

func openTestMetadata(t *testing.T) *metadata.DB {
	t.Helper()
	db, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("opening metadata db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
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

func TestKbDocSearchLabelsEachTable(t *testing.T) {
	db := openTestMetadata(t)
	seedKB(t, db, "kb_1")

	deps := Deps{
		Metadata: db,
		VectorSearch: func(ctx context.Context, table string, req vectorstore.SearchRequest) ([]vectorstore.SearchHit, error) {
			return []vectorstore.SearchHit{{Row: vectorstore.VectorRow{Content: "cat dog fish"}}}, nil
		},
	}
	deps.Embedder = newStubEmbedder(t)

	tool := kbDocSearchTool(deps)
	args, _ := json.Marshal(docSearchArgs{KnowledgeBaseDBNames: "kb_1", SearchText: "animals"})
	result, err := tool.Handler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Output)
	}
	if got := result.Output; !strings.Contains(got, "[kb_1]") || !strings.Contains(got, "cat dog fish") {
		t.Fatalf("expected labeled section with content, got %q", got)
	}
}

func TestKbTableSearchJoinsRowsAndLabelsTables(t *testing.T) {
	deps := Deps{
		RelQuery: func(ctx context.Context, tableName, querySQL string) ([][]string, error) {
			return [][]string{{"Alice", "30"}, {"Bob", "25"}}, nil
		},
	}

	tool := kbTableSearchTool(deps)
	args, _ := json.Marshal(tableSearchArgs{KnowledgeBaseDBNames: "kb_1,kb_2", QuerySQL: "SELECT name, age FROM people"})
	result, err := tool.Handler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Output, "[kb_1]") || !strings.Contains(result.Output, "[kb_2]") {
		t.Fatalf("expected both tables labeled, got %q", result.Output)
	}
	if !strings.Contains(result.Output, "Alice\t30") {
		t.Fatalf("expected tab-joined row, got %q", result.Output)
	}
}

func TestKbListItemFiltersToSuccessOnly(t *testing.T) {
	db := openTestMetadata(t)
	kb := seedKB(t, db, "kb_1")

	ok := &metadata.ImportRecord{ID: 1, KnowledgeBaseID: kb.ID, Title: "report.pdf", Source: metadata.SourceLocalFile, FileContentType: metadata.ContentDocument, Status: metadata.StatusWaiting}
	if err := db.CreateImportRecord(context.Background(), ok); err != nil {
		t.Fatalf("creating import record: %v", err)
	}
	if err := db.UpdateImportRecordStatus(context.Background(), ok.ID, metadata.StatusSuccess, ""); err != nil {
		t.Fatalf("marking success: %v", err)
	}

	failed := &metadata.ImportRecord{ID: 2, KnowledgeBaseID: kb.ID, Title: "broken.pdf", Source: metadata.SourceLocalFile, FileContentType: metadata.ContentDocument, Status: metadata.StatusWaiting}
	if err := db.CreateImportRecord(context.Background(), failed); err != nil {
		t.Fatalf("creating import record: %v", err)
	}
	if err := db.UpdateImportRecordStatus(context.Background(), failed.ID, metadata.StatusFailed, "boom"); err != nil {
		t.Fatalf("marking failed: %v", err)
	}

	tool := kbListItemTool(Deps{Metadata: db})
	args, _ := json.Marshal(listItemArgs{KnowledgeBaseDBName: "kb_1"})
	result, err := tool.Handler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Output, "report.pdf") {
		t.Fatalf("expected successful record listed, got %q", result.Output)
	}
	if strings.Contains(result.Output, "broken.pdf") {
		t.Fatalf("expected failed record excluded, got %q", result.Output)
	}
}
