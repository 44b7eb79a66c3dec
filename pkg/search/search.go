// Package search implements the two-pronged search aggregator: a
// vector-similarity pass across every knowledge base's imported
// content, plus a streamed local filename search over the machine's
// drives, fanned out as one external `rg` process per top-level
// directory. Grounded on the teacher's pkg/tools/mcp/stdio.go
// (subprocess lifecycle: CommandContext, cmd.Cancel) for the `rg`
// children, and pkg/rag/builder.go's fan-out-then-collect shape for the
// vector pass across knowledge bases.
package search

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"github.com/xgpxg/fskb/pkg/embedding"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/vectorstore"
)

// vectorSearchLimit bounds how many hits each knowledge base
// contributes to the aggregate vector pass.
const vectorSearchLimit = 20

// Item is one vector-search hit, with its owning knowledge base and
// source import record attached.
type Item struct {
	KnowledgeBase *metadata.KnowledgeBase
	ImportRecord  *metadata.ImportRecord
	Content       string
	Score         float64
}

// LocalHit is one filename match from the local search pass.
type LocalHit struct {
	Path string
}

// EventKind distinguishes the two independent result streams.
type EventKind string

const (
	EventKb    EventKind = "kb"
	EventLocal EventKind = "local"
)

// Event is one update forwarded over a search's channel. The Kb event
// fires once with every vector hit, sorted by score descending; it is
// not sent when the vector pass fails.
// Local events fire once per filename match (HasNext true) and once
// more, empty, when every drive has finished (HasNext false).
type Event struct {
	Kind       EventKind
	KbItems    []Item
	LocalItems []LocalHit
	HasNext    bool
}

// VectorSearchFunc runs one knowledge base's vector search.
type VectorSearchFunc func(ctx context.Context, table string, req vectorstore.SearchRequest) ([]vectorstore.SearchHit, error)

// RootsFunc discovers the top-level roots the local filename search
// scans. defaultRoots walks every drive letter that exists; tests
// inject their own for determinism.
type RootsFunc func() []string

// Deps are the collaborators Engine is built from.
type Deps struct {
	Metadata     *metadata.DB
	Embedder     *embedding.Service
	VectorSearch VectorSearchFunc
	RGBin        string
	Roots        RootsFunc
}

// OpenVectorSearchFunc adapts a directory-of-per-kb-stores cache into a
// VectorSearchFunc, mirroring pkg/tools/builtin.OpenVectorSearch.
func OpenVectorSearchFunc(open func(table string) (*vectorstore.Store, error)) VectorSearchFunc {
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

// Engine runs searches, tracking the most recent local-search context
// so a new call cancels any still-running `rg` children before
// starting its own.
type Engine struct {
	deps Deps

	mu         sync.Mutex
	cancelPrev context.CancelFunc
}

// New builds an Engine, defaulting RGBin to "rg" and Roots to
// defaultRoots when left unset.
func New(deps Deps) *Engine {
	if deps.RGBin == "" {
		deps.RGBin = "rg"
	}
	if deps.Roots == nil {
		deps.Roots = defaultRoots
	}
	return &Engine{deps: deps}
}

// Search starts a new aggregate search, canceling any previous one
// still in flight, and returns a channel the caller drains for events.
// The channel is closed once both the vector pass and every local
// search have finished.
func (e *Engine) Search(ctx context.Context, kw string) chan Event {
	e.mu.Lock()
	if e.cancelPrev != nil {
		e.cancelPrev()
	}
	searchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancelPrev = cancel
	e.mu.Unlock()

	out := make(chan Event, 64)
	go func() {
		defer close(out)

		items, err := e.searchKnowledgeBases(searchCtx, kw)
		if err != nil {
			slog.Warn("vector search pass failed", "error", err)
		} else {
			out <- Event{Kind: EventKb, KbItems: items}
		}

		e.searchLocal(searchCtx, kw, out)
	}()
	return out
}

func (e *Engine) searchKnowledgeBases(ctx context.Context, kw string) ([]Item, error) {
	kbs, err := e.deps.Metadata.ListKnowledgeBases(ctx)
	if err != nil {
		return nil, err
	}
	qvec, err := e.deps.Embedder.EmbedQuery(ctx, kw)
	if err != nil {
		return nil, err
	}

	type rawHit struct {
		kb  *metadata.KnowledgeBase
		hit vectorstore.SearchHit
	}
	var raws []rawHit
	batchIDs := map[int64]struct{}{}

	for _, kb := range kbs {
		hits, err := e.deps.VectorSearch(ctx, kb.TableName, vectorstore.SearchRequest{Vector: &qvec, Limit: vectorSearchLimit})
		if err != nil {
			slog.Warn("vector search failed for knowledge base", "kb", kb.Name, "error", err)
			continue
		}
		for _, h := range hits {
			raws = append(raws, rawHit{kb: kb, hit: h})
			if id, err := strconv.ParseInt(h.Row.BatchID, 10, 64); err == nil {
				batchIDs[id] = struct{}{}
			}
		}
	}

	ids := make([]int64, 0, len(batchIDs))
	for id := range batchIDs {
		ids = append(ids, id)
	}
	records, err := e.deps.Metadata.GetImportRecordsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(raws))
	for _, r := range raws {
		var score float64
		if r.hit.Score != nil {
			score = *r.hit.Score
		}
		var rec *metadata.ImportRecord
		if id, err := strconv.ParseInt(r.hit.Row.BatchID, 10, 64); err == nil {
			rec = records[id]
		}
		items = append(items, Item{
			KnowledgeBase: r.kb,
			ImportRecord:  rec,
			Content:       r.hit.Row.Content,
			Score:         score,
		})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return items, nil
}

func (e *Engine) searchLocal(ctx context.Context, kw string, out chan<- Event) {
	var wg sync.WaitGroup
	for _, root := range e.deps.Roots() {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			wg.Add(1)
			go func(dir string) {
				defer wg.Done()
				e.rgSearch(ctx, dir, kw, out)
			}(dir)
		}
	}
	wg.Wait()

	select {
	case out <- Event{Kind: EventLocal, HasNext: false}:
	case <-ctx.Done():
	}
}

// globPattern builds the case-insensitive `rg --glob` pattern for kw.
func globPattern(kw string) string {
	return "*" + kw + "*"
}

func (e *Engine) rgSearch(ctx context.Context, dir, kw string, out chan<- Event) {
	cmd := exec.CommandContext(ctx, e.deps.RGBin, "--files", "--glob", globPattern(kw), "--glob-case-insensitive", dir)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return
	}
	if err := cmd.Start(); err != nil {
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		path := scanner.Text()
		if path == "" {
			continue
		}
		select {
		case out <- Event{Kind: EventLocal, LocalItems: []LocalHit{{Path: path}}, HasNext: true}:
		case <-ctx.Done():
			cmd.Wait()
			return
		}
	}
	cmd.Wait()
}

// defaultRoots scans drive letters D through Z; A/B/C are reserved,
// removable, or system drives on Windows and are excluded.
func defaultRoots() []string {
	var roots []string
	for c := 'D'; c <= 'Z'; c++ {
		root := string(c) + ":\\"
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			roots = append(roots, root)
		}
	}
	return roots
}
