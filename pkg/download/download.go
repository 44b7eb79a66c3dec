// Package download runs cancelable HTTP downloads to a destination file,
// reporting incremental progress to a caller-supplied sink. Used for
// offline model and MCP server artifact installs, whose source URLs come
// from the remote model/MCP catalogs. Grounded on the teacher's
// pkg/skills/remote.go (bounded http.Client, context-scoped fetch) and
// pkg/chatengine's channel-based progress delivery pattern.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// Progress is one incremental update for a running download.
type Progress struct {
	ID         string
	Downloaded int64
	TotalSize  int64
	Done       bool
	Err        error
}

var defaultHTTPClient = &http.Client{Timeout: 0}

// Manager tracks in-flight downloads by id so a later Cancel(id)
// call can stop one without the caller holding a context itself.
type Manager struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{cancels: make(map[string]context.CancelFunc)}
}

// Start downloads url to dest under id, streaming Progress updates on the
// returned channel until it closes. A download already running under id
// is canceled first.
func (m *Manager) Start(ctx context.Context, id, url, dest string) chan Progress {
	m.mu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	dlCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancels[id] = cancel
	m.mu.Unlock()

	out := make(chan Progress, 16)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.cancels, id)
			m.mu.Unlock()
		}()
		if err := download(dlCtx, id, url, dest, out); err != nil {
			out <- Progress{ID: id, Done: true, Err: err}
		}
	}()
	return out
}

// Cancel stops the download running under id, if any.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
}

func download(ctx context.Context, id, url, dest string, out chan<- Progress) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperror.System("building download request", err)
	}

	resp, err := defaultHTTPClient.Do(req)
	if err != nil {
		return apperror.System("fetching download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperror.System("fetching download", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperror.System("creating download directory", err)
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return apperror.System("creating download file", err)
	}
	defer f.Close()

	pr := &progressReader{r: resp.Body, id: id, total: resp.ContentLength, out: out}
	if _, err := io.Copy(f, pr); err != nil {
		os.Remove(tmp)
		return apperror.System("writing download", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperror.System("closing download file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return apperror.System("finalizing download", err)
	}

	out <- Progress{ID: id, Downloaded: pr.downloaded, TotalSize: pr.total, Done: true}
	return nil
}

// progressReader wraps an io.Reader, pushing a throttled Progress update
// to out as bytes flow through Read.
type progressReader struct {
	r          io.Reader
	id         string
	total      int64
	downloaded int64
	lastSent   time.Time
	out        chan<- Progress
}

const progressInterval = 200 * time.Millisecond

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.downloaded += int64(n)
		if time.Since(p.lastSent) >= progressInterval {
			p.lastSent = time.Now()
			select {
			case p.out <- Progress{ID: p.id, Downloaded: p.downloaded, TotalSize: p.total}:
			default:
			}
		}
	}
	return n, err
}
