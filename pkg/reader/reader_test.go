package reader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitChunkSize(t *testing.T) {
	s := strings.Repeat("a", 1025)
	chunks := Split(s, 512)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 512 || len(chunks[1]) != 512 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunk lengths: %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestSplitMultibyteRunes(t *testing.T) {
	s := strings.Repeat("中", 600)
	chunks := Split(s, 512)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len([]rune(chunks[0])) != 512 {
		t.Fatalf("expected first chunk to have 512 runes, got %d", len([]rune(chunks[0])))
	}
}

func TestSplitPagesCarriesSnapshots(t *testing.T) {
	pages := []Page{
		{Index: 0, Text: strings.Repeat("a", 400), Snapshot: "p0.png"},
		{Index: 1, Text: strings.Repeat("b", 400), Snapshot: "p1.png"},
	}
	chunks := SplitPages(pages)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}

	totalChars := 0
	for _, c := range chunks {
		totalChars += len([]rune(c.Text))
	}
	if totalChars != 800 {
		t.Fatalf("expected total of 800 chars across chunks, got %d", totalChars)
	}

	if len(chunks[0].Snapshots) == 0 {
		t.Fatal("expected first chunk to carry at least one snapshot reference")
	}
}

func TestReadCSVEmptyHeaderBecomesUnknown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(path, []byte("name,,age\nalice,x,30\n"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	table, err := readCSV(path)
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	if table.Headers[1] != "unknown_1" {
		t.Fatalf("expected unknown_1 header, got %q", table.Headers[1])
	}
	if len(table.Rows) != 1 || table.Rows[0][0] != "alice" {
		t.Fatalf("unexpected rows: %v", table.Rows)
	}
}

func TestFitRowWidthPadsAndTruncates(t *testing.T) {
	padded := fitRowWidth([]string{"a"}, 3)
	if len(padded) != 3 || padded[1] != "" || padded[2] != "" {
		t.Fatalf("expected padded row, got %v", padded)
	}

	truncated := fitRowWidth([]string{"a", "b", "c"}, 2)
	if len(truncated) != 2 {
		t.Fatalf("expected truncated row of length 2, got %v", truncated)
	}
}

func TestExtractDocxTextJoinsTableCells(t *testing.T) {
	xml := `<w:p><w:r><w:t>intro</w:t></w:r></w:p>` +
		`<w:tbl><w:tr><w:tc><w:t>a</w:t></w:tc><w:tc><w:t>b</w:t></w:tc></w:tr></w:tbl>`
	text := extractDocxText(xml)
	if !strings.Contains(text, "intro") {
		t.Fatalf("expected paragraph text preserved, got %q", text)
	}
	if !strings.Contains(text, "a | b") {
		t.Fatalf("expected table cells joined with \" | \", got %q", text)
	}
}
