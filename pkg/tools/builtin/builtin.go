// Package builtin implements the three always-available tools every
// chat turn can call regardless of which MCP servers are enabled:
// searching a knowledge base's document chunks,
// running read-only SQL against its tabular imports, and listing its
// successfully ingested sources. Grounded on the teacher's
// pkg/tools/builtin/rag.go (tool shape: JSON-args handler closures
// wrapped into tools.Tool, read-only annotation, result truncation).
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xgpxg/fskb/pkg/embedding"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/relstore"
	"github.com/xgpxg/fskb/pkg/tools"
	"github.com/xgpxg/fskb/pkg/vectorstore"
)

// VectorSearchFunc opens (or reuses) the vector table named table and
// runs req against it.
type VectorSearchFunc func(ctx context.Context, table string, req vectorstore.SearchRequest) ([]vectorstore.SearchHit, error)

// RelationalQueryFunc opens (or reuses) the relational DB for
// tableName and runs a read-only query against it.
type RelationalQueryFunc func(ctx context.Context, tableName, querySQL string) ([][]string, error)

// RelationalStatsFunc reports the `_statistics_` row/char counts for
// one imported table, used to enrich kb_list_item's output by appending
// " (<rows> rows, <chars> chars)" to a tabular import's title.
type RelationalStatsFunc func(ctx context.Context, tableName, importedTable string) (rowCount, charCount int, err error)

// Deps are the collaborators the three built-in tools are closed over.
type Deps struct {
	Metadata     *metadata.DB
	Embedder     *embedding.Service
	VectorSearch VectorSearchFunc
	RelQuery     RelationalQueryFunc
	RelStats     RelationalStatsFunc
}

// OpenVectorSearch adapts a directory-of-per-kb-stores cache into a
// VectorSearchFunc, opening stores lazily and keeping them open for
// reuse across calls.
func OpenVectorSearch(open func(table string) (*vectorstore.Store, error)) VectorSearchFunc {
	stores := map[string]*vectorstore.Store{}
	return func(ctx context.Context, table string, req vectorstore.SearchRequest) ([]vectorstore.SearchHit, error) {
		store, ok := stores[table]
		if !ok {
			var err error
			store, err = open(table)
			if err != nil {
				return nil, err
			}
			stores[table] = store
		}
		return store.Search(ctx, table, req)
	}
}

// OpenRelationalQuery adapts relstore.Store construction into a
// RelationalQueryFunc; relstore.Store itself opens a fresh connection
// per call, so no caching is needed here (see pkg/relstore).
func OpenRelationalQuery(path func(tableName string) string) RelationalQueryFunc {
	return func(ctx context.Context, tableName, querySQL string) ([][]string, error) {
		store := relstore.New(path(tableName))
		return store.Query(ctx, querySQL, true)
	}
}

// OpenRelationalStats adapts relstore.Store construction into a
// RelationalStatsFunc.
func OpenRelationalStats(path func(tableName string) string) RelationalStatsFunc {
	return func(ctx context.Context, tableName, importedTable string) (int, int, error) {
		store := relstore.New(path(tableName))
		return store.Stats(ctx, importedTable)
	}
}

// Tools returns the three always-available inner:: tools.
func Tools(deps Deps) []tools.Tool {
	return []tools.Tool{
		kbDocSearchTool(deps),
		kbTableSearchTool(deps),
		kbListItemTool(deps),
	}
}

type docSearchArgs struct {
	KnowledgeBaseDBNames string `json:"knowledge_base_db_names"`
	SearchText           string `json:"search_text"`
}

func kbDocSearchTool(deps Deps) tools.Tool {
	return tools.Tool{
		Type: tools.ToolTypeFunction,
		Function: &tools.FunctionDefinition{
			Name:        "kb_doc_search",
			Description: "Search one or more knowledge bases' document chunks for text relevant to a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"knowledge_base_db_names": map[string]any{"type": "string", "description": "Comma-separated table names of the knowledge bases to search."},
					"search_text":             map[string]any{"type": "string", "description": "Natural language search query."},
				},
				"required": []string{"knowledge_base_db_names", "search_text"},
			},
			Strict: false,
		},
		Handler: func(ctx context.Context, arguments string) (tools.ToolCallResult, error) {
			var args docSearchArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			return kbDocSearch(ctx, deps, args)
		},
	}
}

func kbDocSearch(ctx context.Context, deps Deps, args docSearchArgs) (tools.ToolCallResult, error) {
	queryVec, err := deps.Embedder.EmbedQuery(ctx, args.SearchText)
	if err != nil {
		return tools.ToolCallResult{}, err
	}

	var sections []string
	for _, tableName := range splitNonEmpty(args.KnowledgeBaseDBNames, ",") {
		kb, err := deps.Metadata.GetKnowledgeBaseByTableName(ctx, tableName)
		if err != nil {
			sections = append(sections, fmt.Sprintf("[%s]\nerror: %v", tableName, err))
			continue
		}

		hits, err := deps.VectorSearch(ctx, tableName, vectorstore.SearchRequest{
			Vector:      &queryVec,
			MinScore:    kb.Config.SearchMinScore,
			Limit:       kb.Config.SearchLimit,
			ContextSize: kb.Config.SearchExtendSize,
		})
		if err != nil {
			sections = append(sections, fmt.Sprintf("[%s]\nerror: %v", tableName, err))
			continue
		}

		if kb.Config.IsRerank && len(hits) > 0 {
			hits, err = rerankHits(ctx, deps.Embedder, args.SearchText, hits, kb.Config.RerankLimit)
			if err != nil {
				sections = append(sections, fmt.Sprintf("[%s]\nerror: %v", tableName, err))
				continue
			}
		}

		var b strings.Builder
		for _, h := range hits {
			b.WriteString(h.Row.Content)
			b.WriteByte('\n')
		}
		sections = append(sections, fmt.Sprintf("[%s]\n%s", tableName, b.String()))
	}

	return tools.ToolCallResult{Output: strings.Join(sections, "\n")}, nil
}

// rerankHits asks the embedder's chat model to score each hit's
// content against query and keeps the top limit.
func rerankHits(ctx context.Context, embedder *embedding.Service, query string, hits []vectorstore.SearchHit, limit int) ([]vectorstore.SearchHit, error) {
	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Row.Content
	}

	scored, err := embedder.Rerank(ctx, query, docs)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if limit <= 0 || limit > len(scored) {
		limit = len(scored)
	}

	out := make([]vectorstore.SearchHit, 0, limit)
	for _, sc := range scored[:limit] {
		out = append(out, hits[sc.Index])
	}
	return out, nil
}

type tableSearchArgs struct {
	KnowledgeBaseDBNames string `json:"knowledge_base_db_names"`
	QuerySQL             string `json:"query_sql"`
}

func kbTableSearchTool(deps Deps) tools.Tool {
	return tools.Tool{
		Type: tools.ToolTypeFunction,
		Function: &tools.FunctionDefinition{
			Name:        "kb_table_search",
			Description: "Run a read-only SELECT query against one or more knowledge bases' imported tabular data.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"knowledge_base_db_names": map[string]any{"type": "string", "description": "Comma-separated table names of the knowledge bases to query."},
					"query_sql":               map[string]any{"type": "string", "description": "A single read-only SELECT statement."},
				},
				"required": []string{"knowledge_base_db_names", "query_sql"},
			},
		},
		Handler: func(ctx context.Context, arguments string) (tools.ToolCallResult, error) {
			var args tableSearchArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}

			var sections []string
			for _, tableName := range splitNonEmpty(args.KnowledgeBaseDBNames, ",") {
				rows, err := deps.RelQuery(ctx, tableName, args.QuerySQL)
				if err != nil {
					sections = append(sections, fmt.Sprintf("[%s]\nerror: %v", tableName, err))
					continue
				}

				var b strings.Builder
				for _, row := range rows {
					b.WriteString(strings.Join(row, "\t"))
					b.WriteByte('\n')
				}
				sections = append(sections, fmt.Sprintf("[%s]\n%s", tableName, b.String()))
			}

			return tools.ToolCallResult{Output: strings.Join(sections, "\n")}, nil
		},
	}
}

type listItemArgs struct {
	KnowledgeBaseDBName string `json:"knowledge_base_db_name"`
}

func kbListItemTool(deps Deps) tools.Tool {
	return tools.Tool{
		Type: tools.ToolTypeFunction,
		Function: &tools.FunctionDefinition{
			Name:        "kb_list_item",
			Description: "List the natural-language descriptions of every successfully imported source in a knowledge base.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"knowledge_base_db_name": map[string]any{"type": "string", "description": "Table name of the knowledge base."},
				},
				"required": []string{"knowledge_base_db_name"},
			},
		},
		Handler: func(ctx context.Context, arguments string) (tools.ToolCallResult, error) {
			var args listItemArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}

			kb, err := deps.Metadata.GetKnowledgeBaseByTableName(ctx, args.KnowledgeBaseDBName)
			if err != nil {
				return errResult(err.Error()), nil
			}

			records, err := deps.Metadata.ListImportRecords(ctx, kb.ID)
			if err != nil {
				return errResult(err.Error()), nil
			}

			var b strings.Builder
			for _, r := range records {
				if r.Status != metadata.StatusSuccess {
					continue
				}
				b.WriteString(r.Title)
				if r.FileContentType == metadata.ContentTable && deps.RelStats != nil {
					if rowCount, charCount, err := deps.RelStats(ctx, args.KnowledgeBaseDBName, r.Title); err == nil {
						fmt.Fprintf(&b, " (%d rows, %d chars)", rowCount, charCount)
					}
				}
				b.WriteByte('\n')
			}
			return tools.ToolCallResult{Output: b.String()}, nil
		},
	}
}

func errResult(msg string) tools.ToolCallResult {
	return tools.ToolCallResult{Output: msg, IsError: true}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
