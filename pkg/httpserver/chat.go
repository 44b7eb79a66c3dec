package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/chatengine"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/rpc"
)

type chatRequest struct {
	Content metadata.UserEnvelope `json:"content"`
}

// chat starts a new turn and streams its events as SSE, the same
// stream a later resume call reattaches to if the client disconnects
// mid-reply.
func (s *Server) chat(c echo.Context) error {
	kbID, err := idParam(c, "id")
	if err != nil {
		return writeSSEError(c, err)
	}
	ctx := c.Request().Context()
	kb, err := s.deps.Metadata.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return writeSSEError(c, err)
	}

	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return writeSSEError(c, apperror.Message("invalid request body"))
	}

	_, sink, err := s.deps.Chat.Chat(ctx, kb, req.Content)
	if err != nil {
		return writeSSEError(c, err)
	}
	return streamEvents(c, sink)
}

type resumeRequest struct {
	MessageID int64 `json:"message_id"`
}

// resume reattaches to an in-flight or just-finished reply's stream.
func (s *Server) resume(c echo.Context) error {
	kbID, err := idParam(c, "id")
	if err != nil {
		return writeSSEError(c, err)
	}
	ctx := c.Request().Context()
	kb, err := s.deps.Metadata.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return writeSSEError(c, err)
	}

	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return writeSSEError(c, apperror.Message("invalid request body"))
	}

	sink := make(chan chatengine.Event, 32)
	ok, err := s.deps.Chat.Resume(ctx, kb, req.MessageID, sink)
	if err != nil {
		return writeSSEError(c, err)
	}
	if !ok {
		close(sink)
	}
	return streamEvents(c, sink)
}

func streamEvents(c echo.Context, sink chan chatengine.Event) error {
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

func writeSSEError(c echo.Context, err error) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().WriteHeader(http.StatusOK)
	data, _ := json.Marshal(map[string]string{"event": "error", "msg": err.Error()})
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	c.Response().Flush()
	return nil
}

func (s *Server) listHistoryMessages(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() ([]*metadata.ChatMessage, error) {
		kbID, err := idParam(c, "id")
		if err != nil {
			return nil, err
		}
		return s.deps.Metadata.ListChatHistory(c.Request().Context(), kbID, historyPageSize)
	}))
}

const historyPageSize = 200

func (s *Server) clearMessages(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		kbID, err := idParam(c, "id")
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.deps.Metadata.DeleteChatHistory(c.Request().Context(), kbID)
	}))
}

func (s *Server) deleteMessage(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (struct{}, error) {
		messageID, err := idParam(c, "messageId")
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.deps.Metadata.DeleteChatMessage(c.Request().Context(), messageID)
	}))
}
