package chatengine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xgpxg/fskb/pkg/idgen"
	"github.com/xgpxg/fskb/pkg/mcpmanager"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/streamregistry"
	"github.com/xgpxg/fskb/pkg/tools"
)

func openTestMetadata(t *testing.T) *metadata.DB {
	t.Helper()
	db, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("opening metadata db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedKB(t *testing.T, db *metadata.DB) *metadata.KnowledgeBase {
	t.Helper()
	kb := &metadata.KnowledgeBase{
		ID:                  1,
		Name:                "docs",
		TableName:           "kb_docs",
		NaturalLanguageDesc: "a small test corpus",
		Config:              metadata.DefaultKnowledgeBaseConfig(),
		ModelID:             1,
	}
	if err := db.CreateKnowledgeBase(context.Background(), kb); err != nil {
		t.Fatalf("creating kb: %v", err)
	}
	return kb
}

func sseWrite(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// newPlainReplyServer always answers with a single assistant content
// chunk then [DONE], regardless of what was asked.
func newPlainReplyServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, fmt.Sprintf(`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":%q},"finish_reason":null}]}`, reply))
		sseWrite(w, `{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
		sseWrite(w, "[DONE]")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newToolThenReplyServer answers the first request with a tool call and
// the second (and any later) request with a plain reply, simulating one
// round of the tool-call loop.
func newToolThenReplyServer(t *testing.T, toolName, finalReply string) *httptest.Server {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if atomic.AddInt32(&calls, 1) == 1 {
			idx := 0
			toolCallChunk := fmt.Sprintf(`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":%d,"id":"call_1","type":"function","function":{"name":%q,"arguments":"{}"}}]},"finish_reason":null}]}`, idx, toolName)
			sseWrite(w, toolCallChunk)
			sseWrite(w, `{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`)
			sseWrite(w, "[DONE]")
			return
		}
		sseWrite(w, fmt.Sprintf(`{"id":"2","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":%q},"finish_reason":null}]}`, finalReply))
		sseWrite(w, `{"id":"2","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
		sseWrite(w, "[DONE]")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(baseURL string) ModelClientFunc {
	return func(ctx context.Context, modelID int64) (*openai.Client, string, error) {
		cfg := openai.DefaultConfig("test-key")
		cfg.BaseURL = baseURL
		return openai.NewClientWithConfig(cfg), "test-model", nil
	}
}

func drain(t *testing.T, sink chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sink:
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Kind == EventDone {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for chat events")
		}
	}
}

func TestChatPlainReplyFinishesAndCachesContent(t *testing.T) {
	db := openTestMetadata(t)
	kb := seedKB(t, db)
	srv := newPlainReplyServer(t, "hello there")

	registry := streamregistry.New[Event]()
	engine := New(Deps{
		Metadata: db,
		IDs:      idgen.New(),
		Model:    clientFor(srv.URL),
		Registry: registry,
	})

	key, sink, err := engine.Chat(context.Background(), kb, metadata.UserEnvelope{Text: "hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	events := drain(t, sink, 5*time.Second)
	if len(events) == 0 || events[len(events)-1].Kind != EventDone {
		t.Fatalf("expected a terminal Done event, got %+v", events)
	}
	final := events[len(events)-1].Message
	if final.Content != "hello there" {
		t.Fatalf("got content %q, want %q", final.Content, "hello there")
	}
	if final.Status != metadata.ChatFinished {
		t.Fatalf("got status %q, want finished", final.Status)
	}

	if _, ok := registry.Cached(key); ok {
		t.Fatal("expected cache to be cleared once the channel closes")
	}

	stored, err := db.GetChatMessage(context.Background(), final.ID)
	if err != nil {
		t.Fatalf("GetChatMessage: %v", err)
	}
	if stored.Content != "hello there" || stored.Status != metadata.ChatFinished {
		t.Fatalf("persisted message mismatch: %+v", stored)
	}
}

func TestChatCommandPathBypassesModel(t *testing.T) {
	db := openTestMetadata(t)
	kb := seedKB(t, db)

	tmpFile := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(tmpFile, []byte("plain text body"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	engine := New(Deps{
		Metadata: db,
		IDs:      idgen.New(),
		Model: func(ctx context.Context, modelID int64) (*openai.Client, string, error) {
			t.Fatal("command path must not call the model")
			return nil, "", nil
		},
		Registry: streamregistry.New[Event](),
	})

	_, sink, err := engine.Chat(context.Background(), kb, metadata.UserEnvelope{Command: "GetText " + tmpFile})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	events := drain(t, sink, 5*time.Second)
	final := events[len(events)-1].Message
	if !strings.Contains(final.Content, "plain text body") {
		t.Fatalf("got content %q, want it to contain the file's text", final.Content)
	}
	if final.Status != metadata.ChatFinished {
		t.Fatalf("got status %q, want finished", final.Status)
	}
}

func TestChatDispatchesBuiltinToolCallThenFinishes(t *testing.T) {
	db := openTestMetadata(t)
	kb := seedKB(t, db)
	srv := newToolThenReplyServer(t, mcpmanager.InnerServerName+mcpmanager.ToolNameSeparator+"echo", "done after tool call")

	var handlerCalled bool
	builtin := []tools.Tool{{
		Type:     tools.ToolTypeFunction,
		Function: &tools.FunctionDefinition{Name: "echo", Description: "echoes back"},
		Handler: func(ctx context.Context, arguments string) (tools.ToolCallResult, error) {
			handlerCalled = true
			return tools.ToolCallResult{Output: "echoed"}, nil
		},
	}}

	engine := New(Deps{
		Metadata:     db,
		IDs:          idgen.New(),
		Model:        clientFor(srv.URL),
		Registry:     streamregistry.New[Event](),
		BuiltinTools: builtin,
	})

	_, sink, err := engine.Chat(context.Background(), kb, metadata.UserEnvelope{Text: "please echo"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	events := drain(t, sink, 5*time.Second)
	final := events[len(events)-1].Message
	if final.Content != "done after tool call" {
		t.Fatalf("got content %q, want %q", final.Content, "done after tool call")
	}
	if !handlerCalled {
		t.Fatal("expected the built-in tool handler to have been invoked")
	}
}

func TestChatModelErrorMarksMessageError(t *testing.T) {
	db := openTestMetadata(t)
	kb := seedKB(t, db)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	engine := New(Deps{
		Metadata: db,
		IDs:      idgen.New(),
		Model:    clientFor(srv.URL),
		Registry: streamregistry.New[Event](),
	})

	_, sink, err := engine.Chat(context.Background(), kb, metadata.UserEnvelope{Text: "hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	events := drain(t, sink, 5*time.Second)
	final := events[len(events)-1].Message
	if final.Status != metadata.ChatError {
		t.Fatalf("got status %q, want error", final.Status)
	}
	if final.Content == "" {
		t.Fatal("expected a non-empty error message")
	}
}

// TestChatAcrossMultipleKnowledgeBasesDoesNotCollide guards against chat
// message ids colliding once a second knowledge base starts its own
// chat history: both knowledge bases' first turns compute the same
// per-kb sequence (1, 2), so the row id actually written must come from
// a process-global generator, not the per-kb sequence itself.
func TestChatAcrossMultipleKnowledgeBasesDoesNotCollide(t *testing.T) {
	db := openTestMetadata(t)
	kbOne := seedKB(t, db)
	kbTwo := &metadata.KnowledgeBase{
		ID:        2,
		Name:      "second",
		TableName: "kb_second",
		Config:    metadata.DefaultKnowledgeBaseConfig(),
		ModelID:   1,
	}
	if err := db.CreateKnowledgeBase(context.Background(), kbTwo); err != nil {
		t.Fatalf("creating second kb: %v", err)
	}

	srv := newPlainReplyServer(t, "ok")
	engine := New(Deps{
		Metadata: db,
		IDs:      idgen.New(),
		Model:    clientFor(srv.URL),
		Registry: streamregistry.New[Event](),
	})

	_, sinkOne, err := engine.Chat(context.Background(), kbOne, metadata.UserEnvelope{Text: "hi from kb one"})
	if err != nil {
		t.Fatalf("Chat for first kb: %v", err)
	}
	drain(t, sinkOne, 5*time.Second)

	_, sinkTwo, err := engine.Chat(context.Background(), kbTwo, metadata.UserEnvelope{Text: "hi from kb two"})
	if err != nil {
		t.Fatalf("Chat for second kb: %v", err)
	}
	events := drain(t, sinkTwo, 5*time.Second)
	final := events[len(events)-1].Message
	if final.Status != metadata.ChatFinished {
		t.Fatalf("second kb's first turn should succeed, got status %q (content %q)", final.Status, final.Content)
	}

	history, err := db.ListChatHistory(context.Background(), kbTwo.ID, 10)
	if err != nil {
		t.Fatalf("ListChatHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages for the second kb, got %d", len(history))
	}
	if history[0].MessageID != 1 || history[1].MessageID != 2 {
		t.Fatalf("expected the second kb's own per-kb sequence to start at 1, got %+v", history)
	}
}

// TestResumeOfCrashedMessageEmitsNoEvents covers the restart-recovery
// path: a pending message with no live channel (the process died
// mid-stream) is marked errored, but nothing is published on the
// caller's sink, so a resumed SSE stream for it is simply empty.
func TestResumeOfCrashedMessageEmitsNoEvents(t *testing.T) {
	db := openTestMetadata(t)
	kb := seedKB(t, db)
	ids := idgen.New()

	userID, assistantID := ids.Next(), ids.Next()
	if err := db.AddUserTurn(context.Background(), kb.ID, userID, 1, assistantID, 2, "hi"); err != nil {
		t.Fatalf("AddUserTurn: %v", err)
	}

	engine := New(Deps{
		Metadata: db,
		IDs:      ids,
		Registry: streamregistry.New[Event](),
	})

	sink := make(chan Event, 4)
	ok, err := engine.Resume(context.Background(), kb, assistantID, sink)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ok {
		t.Fatal("expected Resume to report nothing to resume")
	}
	close(sink)
	if _, open := <-sink; open {
		t.Fatal("expected no events to have been published on the sink")
	}

	stored, err := db.GetChatMessage(context.Background(), assistantID)
	if err != nil {
		t.Fatalf("GetChatMessage: %v", err)
	}
	if stored.Status != metadata.ChatError {
		t.Fatalf("expected the crashed message to be marked errored, got %q", stored.Status)
	}
}
