// Package reader turns heterogeneous input files into either plain text,
// tabular rows, or per-page paginated content, grounded on the original
// implementation's input crate (original_source/src-tauri/lib/input):
// one small reader per format, each paired with a character-count
// splitter. Go libraries are substituted per format: excelize/v2 for
// spreadsheets, nguyenthenguyen/docx for docx, ledongthuc/pdf for PDF
// text, golang.org/x/text/encoding/simplifiedchinese for the txt GB18030
// fallback. PDF page-image rendering and DOC->PDF conversion are left to
// pkg/convert's external collaborators.
package reader

import (
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// Table is the headers+rows shape produced by csv/xlsx/xls readers.
// Column 0 of xlsx/xls output is always the synthesized row-number
// column ("行号"), matching the original xlsx reader.
type Table struct {
	Headers []string
	Rows    [][]string
}

// ToText renders a Table as "header: value\t" lines, one per row, the
// same flattening the original CsvOutput/XlsxOutput::to_text used
// before narrative (non-tabular) ingestion.
func (t Table) ToText() string {
	var b strings.Builder
	for _, row := range t.Rows {
		for i, cell := range row {
			header := "unknown"
			if i < len(t.Headers) {
				header = t.Headers[i]
			}
			fmt.Fprintf(&b, "%s: %s\t", header, cell)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Page is one page of a paginated document (PDF), carrying its
// extracted text and the path snapshot rendering will occupy once
// pkg/convert has produced it.
type Page struct {
	Index    int
	Text     string
	Snapshot string
}

// Parsed is the result of Dispatch: exactly one of Text, Table, or Pages
// is populated depending on the source format.
type Parsed struct {
	Text   string
	Table  *Table
	Pages  []Page
	Images [][]byte
}

// Dispatch reads path according to ext (without the leading dot,
// lowercase) and returns its parsed form.
func Dispatch(ext, path string) (*Parsed, error) {
	switch strings.ToLower(ext) {
	case "txt":
		text, err := readText(path)
		if err != nil {
			return nil, err
		}
		return &Parsed{Text: text}, nil
	case "md":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperror.System("reading markdown file", err)
		}
		return &Parsed{Text: string(data)}, nil
	case "csv":
		table, err := readCSV(path)
		if err != nil {
			return nil, err
		}
		return &Parsed{Table: table}, nil
	case "xlsx", "xls":
		table, err := readSpreadsheet(path)
		if err != nil {
			return nil, err
		}
		return &Parsed{Table: table}, nil
	case "docx":
		text, images, err := readDocx(path)
		if err != nil {
			return nil, err
		}
		return &Parsed{Text: text, Images: images}, nil
	case "pdf":
		pages, err := readPDF(path)
		if err != nil {
			return nil, err
		}
		return &Parsed{Pages: pages}, nil
	default:
		return nil, apperror.Business(fmt.Sprintf("unsupported file extension %q", ext), nil)
	}
}

// readText tries UTF-8 first, falling back to GB18030 (the teacher's
// original GBK-superset fallback for legacy Chinese-locale text files).
func readText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", apperror.System("reading text file", err)
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}

	decoded, err := simplifiedchinese.GB18030.NewDecoder().Bytes(raw)
	if err != nil {
		return "", apperror.System("decoding GB18030 text file", err)
	}
	return string(decoded), nil
}

// readCSV mirrors the original reader: empty header cells become
// "unknown_<index>".
func readCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperror.System("opening csv file", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, apperror.Business(fmt.Sprintf("parsing csv: %v", err), err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}

	headers := normalizeHeaders(records[0])
	return &Table{Headers: headers, Rows: records[1:]}, nil
}

func normalizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	for i, h := range raw {
		if strings.TrimSpace(h) == "" {
			headers[i] = fmt.Sprintf("unknown_%d", i)
		} else {
			headers[i] = h
		}
	}
	return headers
}

// readSpreadsheet reads the first sheet of an xlsx/xls file, prepending
// a synthesized row-number column per the original trim_headers/
// trim_rows behavior, and padding/truncating each row to the header
// width.
func readSpreadsheet(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperror.Business(fmt.Sprintf("opening spreadsheet: %v", err), err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &Table{}, nil
	}

	allRows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, apperror.Business(fmt.Sprintf("reading spreadsheet rows: %v", err), err)
	}
	if len(allRows) == 0 {
		return &Table{}, nil
	}

	rawHeaders := append([]string{"行号"}, allRows[0]...)
	headers := normalizeTrimmedHeaders(rawHeaders)

	rows := make([][]string, 0, len(allRows)-1)
	for i, row := range allRows[1:] {
		withRowNumber := append([]string{strconv.Itoa(i + 1)}, row...)
		rows = append(rows, fitRowWidth(withRowNumber, len(headers)))
	}

	return &Table{Headers: headers, Rows: rows}, nil
}

func normalizeTrimmedHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			headers[i] = fmt.Sprintf("unknown_%d", i)
		} else {
			headers[i] = h
		}
	}
	return headers
}

func fitRowWidth(row []string, width int) []string {
	for len(row) < width {
		row = append(row, "")
	}
	if len(row) > width {
		row = row[:width]
	}
	return row
}

var xmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// readDocx extracts paragraph and table text from a docx file. The
// underlying library exposes the raw document.xml body; paragraph and
// table-cell boundaries are recovered by splitting on the surrounding
// Word XML tags, matching the original reader's paragraph-join-with-
// newline and table-cell-join-with-" | " behavior.
func readDocx(path string) (string, [][]byte, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", nil, apperror.Business(fmt.Sprintf("opening docx: %v", err), err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	text := extractDocxText(content)

	// nguyenthenguyen/docx exposes the document body as raw XML but has
	// no embedded-image accessor, so unlike the original reader this
	// path returns no images; docx ingestion relies on doc_to_pdf plus
	// the PDF pipeline's own snapshot rendering for any embedded figures.
	return text, nil, nil
}

var (
	docxParagraphPattern = regexp.MustCompile(`<w:p[ >]`)
	docxTableRowPattern  = regexp.MustCompile(`<w:tr[ >]`)
	docxTableCellPattern = regexp.MustCompile(`<w:tc[ >]`)
)

// extractDocxText strips Word XML markup while preserving the original
// reader's line-per-paragraph, " | "-per-cell layout.
func extractDocxText(xmlContent string) string {
	paragraphs := docxParagraphPattern.Split(xmlContent, -1)

	var b strings.Builder
	for _, p := range paragraphs {
		if docxTableRowPattern.MatchString(p) || docxTableCellPattern.MatchString(p) {
			cells := docxTableCellPattern.Split(p, -1)
			for _, cell := range cells {
				cellText := xmlTagPattern.ReplaceAllString(cell, "")
				if strings.TrimSpace(cellText) != "" {
					b.WriteString(strings.TrimSpace(cellText))
					b.WriteString(" | ")
				}
			}
			b.WriteByte('\n')
			continue
		}

		plain := xmlTagPattern.ReplaceAllString(p, "")
		if strings.TrimSpace(plain) == "" {
			continue
		}
		b.WriteString(plain)
		b.WriteByte('\n')
	}
	return b.String()
}

// readPDF extracts per-page text. Snapshot paths are left empty here;
// the ingestion pipeline fills them in via pkg/convert after rendering.
func readPDF(path string) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, apperror.Business(fmt.Sprintf("opening pdf: %v", err), err)
	}
	defer f.Close()

	pages := make([]Page, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, Page{Index: i - 1})
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			text = ""
		}
		pages = append(pages, Page{Index: i - 1, Text: text})
	}
	return pages, nil
}

// Split divides s into chunks of at most chunkSize runes, matching the
// original Split trait's default implementation.
func Split(s string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 512
	}

	runes := []rune(s)
	var chunks []string
	for start := 0; start < len(runes); start += chunkSize {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// PDFChunk is one re-segmented block of PDF text carrying every
// snapshot path its source pages contributed, matching the original
// PdfOutput::split behavior: accumulate page text until it would exceed
// 512 characters, emit the boundary-crossing split, and carry forward
// the remainder with a fresh snapshot list seeded from the current page.
type PDFChunk struct {
	Text      string
	Snapshots []string
}

// SplitPages re-segments per-page PDF text into PDFChunks of at most
// 512 characters, preserving which page snapshots each chunk spans.
func SplitPages(pages []Page) []PDFChunk {
	const limit = 512

	var (
		result    []PDFChunk
		tempText  []rune
		tempRefs  []string
	)

	for _, p := range pages {
		text := []rune(p.Text)
		tempRefs = append(tempRefs, p.Snapshot)

		for len(tempText)+len(text) > limit {
			pos := limit - len(tempText)
			first := text[:pos]
			last := text[pos:]

			result = append(result, PDFChunk{
				Text:      string(tempText) + string(first),
				Snapshots: append([]string{}, tempRefs...),
			})

			text = last
			tempText = nil
			tempRefs = []string{p.Snapshot}
		}
		tempText = append(tempText, text...)
	}

	if len(tempText) > 0 {
		result = append(result, PDFChunk{
			Text:      string(tempText),
			Snapshots: append([]string{}, tempRefs...),
		})
	}

	return result
}
