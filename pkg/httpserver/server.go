// Package httpserver exposes the knowledge-base application's command
// surface over HTTP: plain JSON request/response for CRUD commands and
// Server-Sent Events for the long-running ones (chat, resume, search,
// download). Grounded on the teacher's pkg/server/server.go — echo.New
// with CORS/Logger middleware, an /api route group, c.JSON(rpc.Wrap(...))
// for plain commands, and runAgent's SSE loop (event-stream headers,
// fmt.Fprintf(c.Response(), "data: %s\n\n", ...), c.Response().Flush())
// adapted here for every streaming command.
package httpserver

import (
	"errors"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"log/slog"

	"github.com/xgpxg/fskb/pkg/chatengine"
	"github.com/xgpxg/fskb/pkg/download"
	"github.com/xgpxg/fskb/pkg/idgen"
	"github.com/xgpxg/fskb/pkg/ingestion"
	"github.com/xgpxg/fskb/pkg/mcpmanager"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/paths"
	"github.com/xgpxg/fskb/pkg/relstore"
	"github.com/xgpxg/fskb/pkg/search"
	"github.com/xgpxg/fskb/pkg/vectorstore"
)

// Deps are every collaborator the command surface is built from.
type Deps struct {
	Metadata  *metadata.DB
	Paths     *paths.Dirs
	IDs       *idgen.Generator
	Ingestion *ingestion.Pipeline
	Chat      *chatengine.Engine
	MCP       *mcpmanager.Manager
	Search    *search.Engine
	Downloads *download.Manager

	// VectorOpen opens the raw per-knowledge-base vector store file,
	// used directly (not through the cached builtin.OpenVectorSearch
	// wrapper) for table lifecycle operations: create on add_kb,
	// drop on delete_kb.
	VectorOpen func(tableName string) (*vectorstore.Store, error)
	// Relational opens the per-knowledge-base relational store,
	// lazily and uncached (relstore.Store opens a fresh connection
	// per call), used for table lifecycle operations.
	Relational func(tableName string) *relstore.Store
}

// Server hosts the command surface over one echo instance.
type Server struct {
	e    *echo.Echo
	deps Deps
}

// New builds a Server and registers every route.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORS())
	e.Use(middleware.Logger())

	s := &Server{e: e, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.e.Group("/api")

	kb := api.Group("/kb")
	kb.POST("", s.addKB)
	kb.GET("", s.listKB)
	kb.GET("/:id", s.kbDetail)
	kb.PUT("/:id", s.updateKB)
	kb.DELETE("/:id", s.deleteKB)

	kb.POST("/:id/file", s.addKBFile)
	kb.GET("/:id/import-record", s.listImportRecords)
	kb.DELETE("/:id/import-record/:recordId", s.deleteImportRecord)

	kb.POST("/:id/chat", s.chat)
	kb.POST("/:id/resume", s.resume)
	kb.GET("/:id/message", s.listHistoryMessages)
	kb.DELETE("/:id/message", s.clearMessages)
	kb.DELETE("/:id/message/:messageId", s.deleteMessage)

	mcp := api.Group("/mcp")
	mcp.GET("", s.listMcpServers)
	mcp.POST("", s.addMcpServer)
	mcp.DELETE("/:name", s.deleteMcpServer)
	mcp.POST("/:name/run", s.runMcpServer)
	mcp.POST("/:name/stop", s.stopMcpServer)

	model := api.Group("/model")
	model.GET("", s.listModels)
	model.POST("", s.addModel)
	model.PUT("/:id", s.updateModel)
	model.DELETE("/:id", s.deleteModel)

	api.GET("/search", s.search)

	api.POST("/download", s.startDownload)
	api.POST("/download/:id/cancel", s.cancelDownload)

	api.GET("/profile", s.getProfile)
	api.PUT("/profile", s.saveProfile)
}

// Serve blocks, accepting connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	srv := http.Server{Handler: s.e}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server stopped", "error", err)
		return err
	}
	return nil
}
