package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/rpc"
)

type startDownloadRequest struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Dest string `json:"dest"`
}

// startDownload streams Progress updates over SSE until the download
// finishes or fails; cancelDownload stops one already in flight.
func (s *Server) startDownload(c echo.Context) error {
	var req startDownloadRequest
	if err := c.Bind(&req); err != nil {
		return writeSSEError(c, apperror.Message("invalid request body"))
	}
	if req.ID == "" || req.URL == "" || req.Dest == "" {
		return writeSSEError(c, fmt.Errorf("id, url, and dest are required"))
	}

	sink := s.deps.Downloads.Start(c.Request().Context(), req.ID, req.URL, req.Dest)

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	for update := range sink {
		data, err := json.Marshal(update)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Response(), "data: %s\n\n", data)
		c.Response().Flush()
	}
	return nil
}

func (s *Server) cancelDownload(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		s.deps.Downloads.Cancel(c.Param("id"))
		return struct{}{}, nil
	}))
}
