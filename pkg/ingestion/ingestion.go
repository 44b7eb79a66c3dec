// Package ingestion implements the per-ImportRecord state machine:
// waiting -> importing -> success|failed,
// dispatching by file extension through pkg/reader and pkg/convert,
// embedding the result via pkg/embedding, and writing it into
// pkg/vectorstore (and, for tabular imports, pkg/relstore). Grounded on
// the teacher's pkg/rag/strategy build/index flow (chunk -> embed ->
// store) and pkg/session/store.go's transaction-wrapped multi-step
// writes, the latter now living in metadata.DB.FinishImportRecord.
package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/convert"
	"github.com/xgpxg/fskb/pkg/embedding"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/paths"
	"github.com/xgpxg/fskb/pkg/reader"
	"github.com/xgpxg/fskb/pkg/relstore"
	"github.com/xgpxg/fskb/pkg/vectorstore"
)

// Deps bundles every collaborator the pipeline needs. Store
// construction is injected rather than owned here, matching the
// store-construction-agnostic shape already used by pkg/tools/builtin.
type Deps struct {
	Metadata    *metadata.DB
	Paths       *paths.Dirs
	Embedder    *embedding.Service
	OpenVectors func(tableName string) (*vectorstore.Store, error)
	Relational  func(tableName string) *relstore.Store
	DocToPDF    convert.DocToPDFFunc
	OCR         convert.OCRFunc
	Vision      convert.VisionToTextFunc
	PageToImage convert.PageToImageFunc
}

// Pipeline runs the ingestion state machine for one knowledge base's
// import records.
type Pipeline struct {
	deps Deps
}

// New builds a Pipeline over deps.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps}
}

// segment is one text chunk awaiting embedding, carrying the optional
// page-snapshot references a PDF-derived chunk accumulates.
type segment struct {
	Text string
	Ref  *vectorstore.ContentRef
}

// Import runs record through extraction, embedding, and insertion,
// then transitions it to a terminal state. A non-nil returned error is
// either the underlying extraction/conversion failure, in which case the
// record has already been marked failed with its message, or a metadata
// store error from marking the record started or finished, in which case
// the record keeps whatever status the store last held.
func (p *Pipeline) Import(ctx context.Context, kb *metadata.KnowledgeBase, record *metadata.ImportRecord) error {
	if err := p.deps.Metadata.MarkImportRecordStarted(ctx, record.ID); err != nil {
		return err
	}

	stageErr := p.run(ctx, kb, record)

	status := metadata.StatusSuccess
	msg := ""
	if stageErr != nil {
		status = metadata.StatusFailed
		msg = stageErr.Error()
	}

	titles, err := p.successfulTitles(ctx, kb.ID, record, stageErr == nil)
	if err != nil {
		return err
	}
	if err := p.deps.Metadata.FinishImportRecord(ctx, record.ID, kb, status, msg, titles); err != nil {
		return err
	}

	return stageErr
}

func (p *Pipeline) run(ctx context.Context, kb *metadata.KnowledgeBase, record *metadata.ImportRecord) error {
	segs, table, err := p.process(ctx, kb, record)
	if err != nil {
		return err
	}

	if len(segs) > 0 {
		if err := p.embedAndInsert(ctx, kb, record, segs); err != nil {
			return err
		}
	}
	if table != nil {
		if err := p.createRelationalTable(ctx, kb, record, table); err != nil {
			return err
		}
	}
	return nil
}

// successfulTitles returns the titles of every already-success import
// record for kbID (excluding record itself, which is mid-transition),
// plus record's own title when currentSucceeded. DescribeKB folds these
// into the knowledge base's regenerated natural-language description.
func (p *Pipeline) successfulTitles(ctx context.Context, kbID int64, record *metadata.ImportRecord, currentSucceeded bool) ([]string, error) {
	records, err := p.deps.Metadata.ListImportRecords(ctx, kbID)
	if err != nil {
		return nil, err
	}

	var titles []string
	for _, r := range records {
		if r.ID == record.ID {
			continue
		}
		if r.Status == metadata.StatusSuccess {
			titles = append(titles, r.Title)
		}
	}
	if currentSucceeded {
		titles = append(titles, record.Title)
	}
	return titles, nil
}

// process dispatches record by its file extension, returning the text
// segments to embed and, for
// tabular spreadsheet/csv imports, the parsed table to load into
// pkg/relstore.
func (p *Pipeline) process(ctx context.Context, kb *metadata.KnowledgeBase, record *metadata.ImportRecord) ([]segment, *reader.Table, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(record.FilePath)), ".")

	switch ext {
	case "txt", "md":
		parsed, err := reader.Dispatch(ext, record.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return splitText(parsed.Text), nil, nil

	case "pdf":
		segs, err := p.pdfPipeline(ctx, kb, record, record.FilePath)
		return segs, nil, err

	case "doc", "docx", "ppt", "pptx":
		pdfPath, cleanup, err := p.convertToPDF(ctx, record.FilePath)
		if err != nil {
			return nil, nil, err
		}
		defer cleanup()
		segs, err := p.pdfPipeline(ctx, kb, record, pdfPath)
		return segs, nil, err

	case "xls", "xlsx", "csv":
		pdfPath, cleanup, err := p.convertToPDF(ctx, record.FilePath)
		if err != nil {
			return nil, nil, err
		}
		defer cleanup()
		segs, err := p.pdfPipeline(ctx, kb, record, pdfPath)
		if err != nil {
			return nil, nil, err
		}

		var table *reader.Table
		if record.FileContentType == metadata.ContentTable {
			parsed, err := reader.Dispatch(ext, record.FilePath)
			if err != nil {
				return nil, nil, err
			}
			table = parsed.Table
		}
		return segs, table, nil

	case "png", "jpg", "jpeg", "bmp":
		return p.imagePipeline(ctx, kb, record)

	default:
		return nil, nil, apperror.Business(fmt.Sprintf("unsupported file extension %q", ext), nil)
	}
}

// imagePipeline extracts text from a standalone image import. Text
// extraction is rejected: an image has no embedded text layer to read
// directly.
func (p *Pipeline) imagePipeline(ctx context.Context, kb *metadata.KnowledgeBase, record *metadata.ImportRecord) ([]segment, *reader.Table, error) {
	switch record.FileContentExtractType {
	case metadata.ExtractOCR:
		if p.deps.OCR == nil {
			return nil, nil, apperror.System("ocr extraction requested but no ocr collaborator configured", nil)
		}
		text, err := p.deps.OCR(ctx, record.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return splitText(text), nil, nil

	case metadata.ExtractVisionModel:
		text, err := p.visionExtract(ctx, kb, record.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return splitText(text), nil, nil

	default:
		return nil, nil, apperror.Business("image imports cannot use text extraction; choose ocr or vision_model", nil)
	}
}

// pdfPipeline handles pdf imports: per-page text or
// ocr/vision extraction, snapshot rendering into the import record's
// refs directory, then re-segmentation into 512-char chunks carrying
// their contributing snapshots.
func (p *Pipeline) pdfPipeline(ctx context.Context, kb *metadata.KnowledgeBase, record *metadata.ImportRecord, pdfPath string) ([]segment, error) {
	parsed, err := reader.Dispatch("pdf", pdfPath)
	if err != nil {
		return nil, err
	}

	refDir := p.deps.Paths.SnapshotRefDir(kb.TableName, record.ID)
	if err := os.MkdirAll(refDir, 0o700); err != nil {
		return nil, apperror.System("creating snapshot directory", err)
	}

	pages := make([]reader.Page, len(parsed.Pages))
	for i, page := range parsed.Pages {
		snapshotPath := filepath.Join(refDir, fmt.Sprintf("page_%04d.png", page.Index))
		if p.deps.PageToImage != nil {
			if err := p.deps.PageToImage(ctx, pdfPath, page.Index, snapshotPath); err != nil {
				return nil, err
			}
		}

		text := page.Text
		switch record.FileContentExtractType {
		case metadata.ExtractOCR:
			if p.deps.OCR == nil {
				return nil, apperror.System("ocr extraction requested but no ocr collaborator configured", nil)
			}
			ocrText, err := p.deps.OCR(ctx, snapshotPath)
			if err != nil {
				return nil, err
			}
			text = ocrText
		case metadata.ExtractVisionModel:
			visionText, err := p.visionExtract(ctx, kb, snapshotPath)
			if err != nil {
				return nil, err
			}
			text = visionText
		}

		pages[i] = reader.Page{Index: page.Index, Text: text, Snapshot: snapshotPath}
	}

	chunks := reader.SplitPages(pages)
	segs := make([]segment, len(chunks))
	for i, c := range chunks {
		segs[i] = segment{Text: c.Text, Ref: &vectorstore.ContentRef{Images: c.Snapshots}}
	}
	return segs, nil
}

// visionExtract looks up the knowledge base's configured vision model
// and calls the Vision collaborator against imagePath.
func (p *Pipeline) visionExtract(ctx context.Context, kb *metadata.KnowledgeBase, imagePath string) (string, error) {
	if p.deps.Vision == nil {
		return "", apperror.System("vision extraction requested but no vision collaborator configured", nil)
	}
	if kb.FileContentVisionModel == 0 {
		return "", apperror.Business("vision extraction requires a configured vision model", nil)
	}
	model, err := p.deps.Metadata.GetModel(ctx, kb.FileContentVisionModel)
	if err != nil {
		return "", err
	}
	return p.deps.Vision(ctx, imagePath, model.BaseURL, model.Name, model.APIKey)
}

// convertToPDF shells out through the DocToPDF collaborator into a
// fresh temp file, returning a cleanup func that removes it.
func (p *Pipeline) convertToPDF(ctx context.Context, srcPath string) (string, func(), error) {
	if p.deps.DocToPDF == nil {
		return "", nil, apperror.System("doc-to-pdf conversion requested but no collaborator configured", nil)
	}

	destPath := filepath.Join(p.deps.Paths.Temp, uuid.NewString()+".pdf")
	if err := p.deps.DocToPDF(ctx, srcPath, destPath); err != nil {
		return "", nil, err
	}
	return destPath, func() { os.Remove(destPath) }, nil
}

func splitText(text string) []segment {
	chunks := reader.Split(text, 512)
	segs := make([]segment, len(chunks))
	for i, c := range chunks {
		segs[i] = segment{Text: c}
	}
	return segs
}

// embedAndInsert embeds every segment and writes them as one batch
// whose BatchID is record.ID's string form, so a later search can walk
// back from a vector hit to the import record that produced it.
func (p *Pipeline) embedAndInsert(ctx context.Context, kb *metadata.KnowledgeBase, record *metadata.ImportRecord, segs []segment) error {
	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = s.Text
	}

	vectors, err := p.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	store, err := p.deps.OpenVectors(kb.TableName)
	if err != nil {
		return err
	}

	batchID := strconv.FormatInt(record.ID, 10)
	recs := make([]vectorstore.AddRecordRequest, len(segs))
	for i, s := range segs {
		recs[i] = vectorstore.AddRecordRequest{
			Vector:      vectors[i],
			Content:     s.Text,
			ContentType: vectorstore.ContentText,
			ContentRef:  s.Ref,
			BatchID:     batchID,
		}
	}

	return store.AddRecords(ctx, kb.TableName, recs)
}

// createRelationalTable loads a tabular import's parsed rows into a
// relational table named after the record's title.
func (p *Pipeline) createRelationalTable(ctx context.Context, kb *metadata.KnowledgeBase, record *metadata.ImportRecord, table *reader.Table) error {
	store := p.deps.Relational(kb.TableName)
	if err := store.NewTable(ctx, record.Title, table.Headers); err != nil {
		return err
	}
	return store.AddData(ctx, record.Title, table.Rows)
}

// Delete removes every trace of record: its vector rows (matched by
// batch_id), its relational table if tabular, and the metadata row
// itself.
func (p *Pipeline) Delete(ctx context.Context, kb *metadata.KnowledgeBase, record *metadata.ImportRecord) error {
	store, err := p.deps.OpenVectors(kb.TableName)
	if err != nil {
		return err
	}
	if err := store.DeleteRecordsByBatchID(ctx, kb.TableName, []string{strconv.FormatInt(record.ID, 10)}); err != nil {
		return err
	}

	if record.FileContentType == metadata.ContentTable {
		if err := p.deps.Relational(kb.TableName).DropTable(ctx, record.Title); err != nil {
			return err
		}
	}

	return p.deps.Metadata.DeleteImportRecord(ctx, record.ID)
}
