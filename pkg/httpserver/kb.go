package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/rpc"
)

func idParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, apperror.Message(fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

type createKBRequest struct {
	Name                   string               `json:"name"`
	ModelID                int64                `json:"model_id"`
	FileContentExtractType metadata.ExtractType `json:"file_content_extract_type"`
	FileContentVisionModel int64                `json:"file_content_vision_model_id"`
	McpServerIDs           []int64              `json:"mcp_server_ids"`
}

func (s *Server) addKB(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.KnowledgeBase, error) {
		var req createKBRequest
		if err := c.Bind(&req); err != nil {
			return nil, apperror.Message("invalid request body")
		}
		if req.Name == "" {
			return nil, apperror.Message("name is required")
		}
		extractType := req.FileContentExtractType
		if extractType == "" {
			extractType = metadata.ExtractText
		}

		id := s.deps.IDs.Next()
		kb := &metadata.KnowledgeBase{
			ID:                     id,
			Name:                   req.Name,
			TableName:              fmt.Sprintf("kb_%d", id),
			Config:                 metadata.DefaultKnowledgeBaseConfig(),
			ModelID:                req.ModelID,
			FileContentExtractType: extractType,
			FileContentVisionModel: req.FileContentVisionModel,
			McpServerIDs:           req.McpServerIDs,
		}
		kb.NaturalLanguageDesc = metadata.DescribeKB(kb)

		store, err := s.deps.VectorOpen(kb.TableName)
		if err != nil {
			return nil, err
		}
		ctx := c.Request().Context()
		if err := store.CreateEmptyTable(ctx, kb.TableName); err != nil {
			return nil, err
		}
		if err := s.deps.Metadata.CreateKnowledgeBase(ctx, kb); err != nil {
			return nil, err
		}
		return kb, nil
	}))
}

func (s *Server) listKB(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() ([]*metadata.KnowledgeBase, error) {
		return s.deps.Metadata.ListKnowledgeBases(c.Request().Context())
	}))
}

func (s *Server) kbDetail(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.KnowledgeBase, error) {
		id, err := idParam(c, "id")
		if err != nil {
			return nil, err
		}
		return s.deps.Metadata.GetKnowledgeBase(c.Request().Context(), id)
	}))
}

type updateKBRequest struct {
	Name                   string                       `json:"name"`
	Config                 metadata.KnowledgeBaseConfig `json:"config"`
	ModelID                int64                        `json:"model_id"`
	FileContentExtractType metadata.ExtractType         `json:"file_content_extract_type"`
	FileContentVisionModel int64                        `json:"file_content_vision_model_id"`
	McpServerIDs           []int64                      `json:"mcp_server_ids"`
}

func (s *Server) updateKB(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.KnowledgeBase, error) {
		id, err := idParam(c, "id")
		if err != nil {
			return nil, err
		}
		ctx := c.Request().Context()
		kb, err := s.deps.Metadata.GetKnowledgeBase(ctx, id)
		if err != nil {
			return nil, err
		}

		var req updateKBRequest
		if err := c.Bind(&req); err != nil {
			return nil, apperror.Message("invalid request body")
		}
		kb.Name = req.Name
		kb.Config = req.Config
		kb.ModelID = req.ModelID
		kb.FileContentExtractType = req.FileContentExtractType
		kb.FileContentVisionModel = req.FileContentVisionModel
		kb.McpServerIDs = req.McpServerIDs

		if err := s.deps.Metadata.UpdateKnowledgeBase(ctx, kb); err != nil {
			return nil, err
		}
		return kb, nil
	}))
}

func (s *Server) deleteKB(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		id, err := idParam(c, "id")
		if err != nil {
			return struct{}{}, err
		}
		ctx := c.Request().Context()
		kb, err := s.deps.Metadata.GetKnowledgeBase(ctx, id)
		if err != nil {
			return struct{}{}, err
		}

		if err := s.deleteKnowledgeBaseStorage(ctx, kb); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.deps.Metadata.DeleteKnowledgeBase(ctx, id)
	}))
}

// deleteKnowledgeBaseStorage drops kb's vector table and removes its
// relational database directory and page-snapshot directory, the
// cascading cleanup DeleteKnowledgeBase itself leaves to its caller.
func (s *Server) deleteKnowledgeBaseStorage(ctx context.Context, kb *metadata.KnowledgeBase) error {
	store, err := s.deps.VectorOpen(kb.TableName)
	if err != nil {
		return err
	}
	if err := store.DropTable(ctx, kb.TableName); err != nil {
		return err
	}

	relDir := filepath.Dir(s.deps.Paths.RelationalDB(kb.TableName))
	if err := os.RemoveAll(relDir); err != nil {
		return apperror.System("removing relational database directory", err)
	}

	snapshotRoot := filepath.Dir(filepath.Dir(s.deps.Paths.SnapshotRefDir(kb.TableName, 0)))
	if err := os.RemoveAll(snapshotRoot); err != nil {
		return apperror.System("removing snapshot directory", err)
	}
	return nil
}
