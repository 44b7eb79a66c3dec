// Command fskb runs the knowledge-base chat application's backend: it
// serves the GUI command surface described by pkg/httpserver over
// HTTP, backed by the metadata database, vector/relational stores,
// ingestion pipeline, MCP manager, and chat orchestrator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xgpxg/fskb/pkg/chatengine"
	"github.com/xgpxg/fskb/pkg/config"
	"github.com/xgpxg/fskb/pkg/convert"
	"github.com/xgpxg/fskb/pkg/download"
	"github.com/xgpxg/fskb/pkg/embedding"
	"github.com/xgpxg/fskb/pkg/httpserver"
	"github.com/xgpxg/fskb/pkg/idgen"
	"github.com/xgpxg/fskb/pkg/ingestion"
	"github.com/xgpxg/fskb/pkg/mcpmanager"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/paths"
	"github.com/xgpxg/fskb/pkg/relstore"
	"github.com/xgpxg/fskb/pkg/search"
	"github.com/xgpxg/fskb/pkg/streamregistry"
	"github.com/xgpxg/fskb/pkg/tools/builtin"
	"github.com/xgpxg/fskb/pkg/vectorstore"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "address to listen on")
	configPath := flag.String("config", "config.yaml", "path to the runtime configuration file")
	debug := flag.Bool("debug", false, "log text to stderr instead of JSON to logs/")
	flag.Parse()

	if err := run(*addr, *configPath, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(addr, configPath string, debug bool) error {
	dirs, err := paths.Resolve()
	if err != nil {
		return fmt.Errorf("resolving directories: %w", err)
	}

	if err := setupLogging(dirs, debug); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	cfg, err := config.Load(filepath.Join(dirs.App, configPath))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	metaDB, err := metadata.Open(dirs.MetadataDB())
	if err != nil {
		return fmt.Errorf("opening metadata database: %w", err)
	}

	ids := idgen.New()
	embedder := embedding.New(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
	mcp := mcpmanager.New(dirs.App)
	registry := streamregistry.New[chatengine.Event]()

	openVectors := func(tableName string) (*vectorstore.Store, error) {
		return vectorstore.Open(dirs.VectorDB(tableName))
	}
	openRelational := func(tableName string) *relstore.Store {
		return relstore.New(dirs.RelationalDB(tableName))
	}

	ingestionPipeline := ingestion.New(ingestion.Deps{
		Metadata:    metaDB,
		Paths:       dirs,
		Embedder:    embedder,
		OpenVectors: openVectors,
		Relational:  openRelational,
		DocToPDF:    convert.ExternalDocToPDF("soffice"),
		OCR:         convert.ExternalOCR("tesseract"),
		Vision:      convert.HTTPVisionToText(convert.NewHTTPClient(time.Duration(httpTimeout(cfg)) * time.Second)),
		PageToImage: convert.ExternalPageToImage("pdftoppm"),
	})

	builtinTools := builtin.Tools(builtin.Deps{
		Metadata:     metaDB,
		Embedder:     embedder,
		VectorSearch: builtin.OpenVectorSearch(openVectors),
		RelQuery:     builtin.OpenRelationalQuery(dirs.RelationalDB),
		RelStats:     builtin.OpenRelationalStats(dirs.RelationalDB),
	})

	chatEngine := chatengine.New(chatengine.Deps{
		Metadata:       metaDB,
		IDs:            ids,
		MCP:            mcp,
		BuiltinTools:   builtinTools,
		Model:          modelClientFunc(metaDB),
		Registry:       registry,
		ProfileYAML:    profileYAMLFunc(metaDB, dirs, cfg),
		ExtractProfile: extractProfileFunc(metaDB, dirs, cfg),
	})

	searchEngine := search.New(search.Deps{
		Metadata:     metaDB,
		Embedder:     embedder,
		VectorSearch: search.OpenVectorSearchFunc(openVectors),
	})

	srv := httpserver.New(httpserver.Deps{
		Metadata:   metaDB,
		Paths:      dirs,
		IDs:        ids,
		Ingestion:  ingestionPipeline,
		Chat:       chatEngine,
		MCP:        mcp,
		Search:     searchEngine,
		Downloads:  download.New(),
		VectorOpen: openVectors,
		Relational: openRelational,
	})

	if cfg.McpCatalogURL != "" {
		pollCtx, cancelPoll := context.WithCancel(context.Background())
		defer cancelPoll()
		httpClient := &http.Client{Timeout: time.Duration(httpTimeout(cfg)) * time.Second}
		go mcpmanager.PollCatalog(pollCtx, httpClient, cfg.McpCatalogURL, mcpCatalogPollInterval, catalogUpdateFunc(metaDB))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", addr, err)
	}
	slog.Info("listening", "addr", addr)
	return srv.Serve(ln)
}

// mcpCatalogPollInterval bounds how often the installable-server
// catalog is refreshed from the remote endpoint.
const mcpCatalogPollInterval = 30 * time.Minute

// catalogUpdateFunc persists each server definition in a freshly polled
// catalog body into mcp_server_define. list_all_mcp_server lists the
// installed servers in mcp_server and does not read these definitions.
func catalogUpdateFunc(metaDB *metadata.DB) func(body []byte) {
	return func(body []byte) {
		var catalog mcpmanager.CatalogConfig
		if err := json.Unmarshal(body, &catalog); err != nil {
			slog.Warn("decoding mcp server catalog", "error", err)
			return
		}

		now := time.Now().UTC().Format(time.RFC3339)
		for name, server := range catalog.McpServers {
			definition, err := json.Marshal(server)
			if err != nil {
				slog.Warn("encoding mcp server definition", "name", name, "error", err)
				continue
			}
			if err := metaDB.UpsertMcpServerDefine(context.Background(), name, string(definition), now); err != nil {
				slog.Error("upserting mcp server definition", "name", name, "error", err)
			}
		}
	}
}

func httpTimeout(cfg config.RuntimeConfig) int {
	if cfg.HTTPConnectTimeoutSeconds <= 0 {
		return 10
	}
	return cfg.HTTPConnectTimeoutSeconds
}

// modelClientFunc resolves a chat model row into a configured
// OpenAI-compatible client, the collaborator chatengine.Engine needs
// to run a turn against whichever model a knowledge base has chosen.
func modelClientFunc(metaDB *metadata.DB) chatengine.ModelClientFunc {
	return func(ctx context.Context, modelID int64) (*openai.Client, string, error) {
		m, err := metaDB.GetModel(ctx, modelID)
		if err != nil {
			return nil, "", err
		}
		cfg := openai.DefaultConfig(m.APIKey)
		if m.BaseURL != "" {
			cfg.BaseURL = m.BaseURL
		}
		return openai.NewClientWithConfig(cfg), m.Name, nil
	}
}

func profileFile(dirs *paths.Dirs) string {
	return filepath.Join(dirs.UserProfile, "main.profile")
}

func profileKey(cfg config.RuntimeConfig) string {
	if !cfg.EnableProfileEncryption {
		return ""
	}
	return cfg.ProfileEncryptionKeyHex
}

// profileYAMLFunc reads the encrypted profile-memory blob and hands
// back its YAML form for the system prompt, when the user has profile
// memory enabled.
func profileYAMLFunc(metaDB *metadata.DB, dirs *paths.Dirs, cfg config.RuntimeConfig) chatengine.ProfileYAMLFunc {
	return func(ctx context.Context) (string, bool, error) {
		up, err := metaDB.GetUserProfile(ctx)
		if err != nil {
			return "", false, err
		}
		if !up.EnableProfileMemory {
			return "", false, nil
		}

		mem, err := metadata.ReadProfileMemory(profileFile(dirs), profileKey(cfg))
		if err != nil {
			return "", false, err
		}
		if len(mem.Facts) == 0 {
			return "", true, nil
		}
		return "facts:\n  - " + strings.Join(mem.Facts, "\n  - "), true, nil
	}
}

// maxRememberedFact bounds how much of one assistant reply is kept as
// a remembered fact.
const maxRememberedFact = 200

// extractProfileFunc appends a truncated copy of the assistant's reply
// to the profile-memory fact list. It deliberately does not spend a
// second model call distilling the reply into a fact: the chat turn
// already spent its one model call, and profile memory is opt-in.
func extractProfileFunc(metaDB *metadata.DB, dirs *paths.Dirs, cfg config.RuntimeConfig) chatengine.ProfileExtractFunc {
	return func(ctx context.Context, kbID int64, assistantContent string) {
		fact := strings.TrimSpace(assistantContent)
		if fact == "" {
			return
		}
		if len(fact) > maxRememberedFact {
			fact = fact[:maxRememberedFact]
		}

		mem, err := metadata.ReadProfileMemory(profileFile(dirs), profileKey(cfg))
		if err != nil {
			slog.Error("reading profile memory", "error", err)
			return
		}
		mem.Facts = append(mem.Facts, fact)
		if err := metadata.WriteProfileMemory(profileFile(dirs), mem, profileKey(cfg)); err != nil {
			slog.Error("writing profile memory", "error", err)
		}
	}
}

func setupLogging(dirs *paths.Dirs, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		return nil
	}

	f, err := os.OpenFile(filepath.Join(dirs.Logs, "fskb.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, nil)))
	return nil
}
