package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func drain(t *testing.T, ch chan Progress, timeout time.Duration) []Progress {
	t.Helper()
	var updates []Progress
	deadline := time.After(timeout)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return updates
			}
			updates = append(updates, p)
		case <-deadline:
			t.Fatal("timed out draining progress updates")
		}
	}
}

func TestStartDownloadsFileAndReportsCompletion(t *testing.T) {
	body := []byte("some file contents, long enough to matter")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "out", "model.bin")
	m := New()
	updates := drain(t, m.Start(context.Background(), "job-1", srv.URL, dest), 5*time.Second)

	if len(updates) == 0 || !updates[len(updates)-1].Done {
		t.Fatalf("expected a final Done update, got %+v", updates)
	}
	if updates[len(updates)-1].Err != nil {
		t.Fatalf("unexpected error: %v", updates[len(updates)-1].Err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestStartReportsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "missing.bin")
	m := New()
	updates := drain(t, m.Start(context.Background(), "job-2", srv.URL, dest), 5*time.Second)

	if len(updates) == 0 || updates[len(updates)-1].Err == nil {
		t.Fatalf("expected a final error update, got %+v", updates)
	}
	if _, err := os.Stat(dest); err == nil {
		t.Fatal("expected no file to be left behind on failure")
	}
}

func TestCancelStopsRunningDownload(t *testing.T) {
	blockCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(blockCh)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "slow.bin")
	m := New()
	ch := m.Start(context.Background(), "job-3", srv.URL, dest)
	time.Sleep(50 * time.Millisecond)
	m.Cancel("job-3")

	select {
	case <-blockCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected cancel to unblock the server handler's request context")
	}
	drain(t, ch, 2*time.Second)
}
