package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/mcpmanager"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/rpc"
)

func (s *Server) listMcpServers(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() ([]*metadata.McpServer, error) {
		return s.deps.Metadata.ListMcpServers(c.Request().Context())
	}))
}

type addMcpServerRequest struct {
	Name   string                  `json:"name"`
	Config mcpmanager.ServerConfig `json:"config"`
}

func (s *Server) addMcpServer(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.McpServer, error) {
		var req addMcpServerRequest
		if err := c.Bind(&req); err != nil {
			return nil, apperror.Message("invalid request body")
		}
		if req.Name == "" {
			return nil, apperror.Message("name is required")
		}

		configJSON, err := json.Marshal(req.Config)
		if err != nil {
			return nil, apperror.System("marshaling mcp server config", err)
		}

		server := &metadata.McpServer{
			ID:         s.deps.IDs.Next(),
			Name:       req.Name,
			ConfigJSON: string(configJSON),
			Source:     metadata.ModelCustom,
			Status:     metadata.McpNotRunning,
		}
		if err := s.deps.Metadata.CreateMcpServer(c.Request().Context(), server); err != nil {
			return nil, err
		}
		return server, nil
	}))
}

func (s *Server) deleteMcpServer(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		name := c.Param("name")
		if err := s.deps.MCP.Stop(name); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.deps.Metadata.DeleteMcpServer(c.Request().Context(), name)
	}))
}

func (s *Server) runMcpServer(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		name := c.Param("name")
		ctx := c.Request().Context()
		server, err := s.deps.Metadata.GetMcpServerByName(ctx, name)
		if err != nil {
			return struct{}{}, err
		}

		var cfg mcpmanager.ServerConfig
		if err := json.Unmarshal([]byte(server.ConfigJSON), &cfg); err != nil {
			return struct{}{}, apperror.System("decoding mcp server config", err)
		}

		if err := s.deps.MCP.Run(ctx, name, cfg); err != nil {
			_ = s.deps.Metadata.UpdateMcpServerStatus(ctx, name, metadata.McpError, err.Error())
			return struct{}{}, err
		}
		return struct{}{}, s.deps.Metadata.UpdateMcpServerStatus(ctx, name, metadata.McpOK, "")
	}))
}

func (s *Server) stopMcpServer(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		name := c.Param("name")
		if err := s.deps.MCP.Stop(name); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.deps.Metadata.UpdateMcpServerStatus(c.Request().Context(), name, metadata.McpNotRunning, "")
	}))
}
