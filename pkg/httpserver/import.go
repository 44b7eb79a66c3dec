package httpserver

import (
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/rpc"
)

// addKBFile accepts a multipart upload, writes it under
// data/file/YYYYMM, and creates a waiting ImportRecord before
// dispatching the ingestion pipeline in the background so the request
// returns immediately.
func (s *Server) addKBFile(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.ImportRecord, error) {
		kbID, err := idParam(c, "id")
		if err != nil {
			return nil, err
		}
		ctx := c.Request().Context()
		kb, err := s.deps.Metadata.GetKnowledgeBase(ctx, kbID)
		if err != nil {
			return nil, err
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			return nil, apperror.Message("missing file field")
		}
		contentType := metadata.ContentDocument
		if c.FormValue("file_content_type") == string(metadata.ContentTable) {
			contentType = metadata.ContentTable
		}

		destPath, size, err := s.saveUpload(fileHeader)
		if err != nil {
			return nil, err
		}

		record := &metadata.ImportRecord{
			ID:                     s.deps.IDs.Next(),
			KnowledgeBaseID:        kb.ID,
			Source:                 metadata.SourceLocalFile,
			Title:                  fileHeader.Filename,
			FilePath:               destPath,
			FileSize:               size,
			FileContentType:        contentType,
			FileContentExtractType: kb.FileContentExtractType,
			Status:                 metadata.StatusWaiting,
		}
		if err := s.deps.Metadata.CreateImportRecord(ctx, record); err != nil {
			return nil, err
		}

		go s.runImport(kb, record)

		return record, nil
	}))
}

func (s *Server) saveUpload(fileHeader *multipart.FileHeader) (string, int64, error) {
	src, err := fileHeader.Open()
	if err != nil {
		return "", 0, apperror.System("opening uploaded file", err)
	}
	defer src.Close()

	destDir := filepath.Join(s.deps.Paths.File, time.Now().UTC().Format("200601"))
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return "", 0, apperror.System("creating upload directory", err)
	}
	destPath := filepath.Join(destDir, strconv.FormatInt(s.deps.IDs.Next(), 10)+"_"+fileHeader.Filename)

	dst, err := os.Create(destPath)
	if err != nil {
		return "", 0, apperror.System("creating destination file", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return "", 0, apperror.System("writing uploaded file", err)
	}
	return destPath, n, nil
}

// runImport runs the ingestion pipeline detached from the triggering
// request's context, logging failures (the record itself already
// carries its own failure status and message).
func (s *Server) runImport(kb *metadata.KnowledgeBase, record *metadata.ImportRecord) {
	ctx := context.Background()
	if err := s.deps.Ingestion.Import(ctx, kb, record); err != nil {
		slog.Error("import failed", "kb_id", kb.ID, "record_id", record.ID, "error", err)
	}
}

func (s *Server) listImportRecords(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() ([]*metadata.ImportRecord, error) {
		kbID, err := idParam(c, "id")
		if err != nil {
			return nil, err
		}
		return s.deps.Metadata.ListImportRecords(c.Request().Context(), kbID)
	}))
}

func (s *Server) deleteImportRecord(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		kbID, err := idParam(c, "id")
		if err != nil {
			return struct{}{}, err
		}
		recordID, err := idParam(c, "recordId")
		if err != nil {
			return struct{}{}, err
		}
		ctx := c.Request().Context()

		kb, err := s.deps.Metadata.GetKnowledgeBase(ctx, kbID)
		if err != nil {
			return struct{}{}, err
		}
		record, err := s.deps.Metadata.GetImportRecord(ctx, recordID)
		if err != nil {
			return struct{}{}, err
		}

		store, err := s.deps.VectorOpen(kb.TableName)
		if err != nil {
			return struct{}{}, err
		}
		if err := store.DeleteRecordsByBatchID(ctx, kb.TableName, []string{strconv.FormatInt(record.ID, 10)}); err != nil {
			return struct{}{}, err
		}
		if record.FileContentType == metadata.ContentTable {
			if err := s.deps.Relational(kb.TableName).DropTable(ctx, record.Title); err != nil {
				return struct{}{}, err
			}
		}

		return struct{}{}, s.deps.Metadata.DeleteImportRecord(ctx, recordID)
	}))
}
