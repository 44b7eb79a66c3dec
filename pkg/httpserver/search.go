package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// search streams both the vector pass and the local filename pass over
// one SSE connection, in whatever order search.Engine emits them.
func (s *Server) search(c echo.Context) error {
	kw := c.QueryParam("q")
	if kw == "" {
		return writeSSEError(c, fmt.Errorf("missing q parameter"))
	}

	sink := s.deps.Search.Search(c.Request().Context(), kw)

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	for event := range sink {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Response(), "data: %s\n\n", data)
		c.Response().Flush()
	}
	return nil
}
