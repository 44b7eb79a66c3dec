package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/rpc"
)

func (s *Server) listModels(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() ([]*metadata.Model, error) {
		taskType := metadata.ModelTaskType(c.QueryParam("task_type"))
		return s.deps.Metadata.ListModels(c.Request().Context(), taskType)
	}))
}

type addModelRequest struct {
	Name     string                 `json:"name"`
	BaseURL  string                 `json:"base_url"`
	APIKey   string                 `json:"api_key"`
	TaskType metadata.ModelTaskType `json:"task_type"`
}

func (s *Server) addModel(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.Model, error) {
		var req addModelRequest
		if err := c.Bind(&req); err != nil {
			return nil, apperror.Message("invalid request body")
		}
		if req.Name == "" {
			return nil, apperror.Message("name is required")
		}
		m := &metadata.Model{
			ID:       s.deps.IDs.Next(),
			Name:     req.Name,
			Source:   metadata.ModelCustom,
			BaseURL:  req.BaseURL,
			APIKey:   req.APIKey,
			TaskType: req.TaskType,
			Status:   metadata.ModelEnabled,
		}
		if err := s.deps.Metadata.CreateModel(c.Request().Context(), m); err != nil {
			return nil, err
		}
		return m, nil
	}))
}

func (s *Server) updateModel(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.Model, error) {
		id, err := idParam(c, "id")
		if err != nil {
			return nil, err
		}
		ctx := c.Request().Context()
		m, err := s.deps.Metadata.GetModel(ctx, id)
		if err != nil {
			return nil, err
		}

		var req addModelRequest
		if err := c.Bind(&req); err != nil {
			return nil, apperror.Message("invalid request body")
		}
		m.Name = req.Name
		m.BaseURL = req.BaseURL
		m.APIKey = req.APIKey
		m.TaskType = req.TaskType

		if err := s.deps.Metadata.UpdateModel(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}))
}

func (s *Server) deleteModel(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		id, err := idParam(c, "id")
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.deps.Metadata.DeleteModel(c.Request().Context(), id)
	}))
}
