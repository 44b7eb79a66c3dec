package streamregistry

import (
	"testing"
	"time"
)

func TestOpenEvictsPriorSink(t *testing.T) {
	r := New[string]()

	first := r.Open("k")
	second := r.Open("k")

	select {
	case _, ok := <-first:
		if ok {
			t.Fatal("expected first sink to be closed, got a value instead")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first sink to close")
	}

	r.Publish("k", "hello")
	select {
	case v := <-second:
		if v != "hello" {
			t.Fatalf("got %q, want %q", v, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published value on second sink")
	}
}

func TestPublishUpdatesCacheEvenWithoutSink(t *testing.T) {
	r := New[string]()

	r.Publish("k", "first")
	r.Publish("k", "second")

	cached, ok := r.Cached("k")
	if !ok {
		t.Fatal("expected a cached value")
	}
	if cached != "second" {
		t.Fatalf("got %q, want %q", cached, "second")
	}
}

func TestAttachFlushesCachedValueAndResumesLiveUpdates(t *testing.T) {
	r := New[string]()

	first := r.Open("k")
	r.Publish("k", "snapshot")
	<-first // drain so Attach's eviction-close doesn't race a buffered value

	resumeSink := make(chan string, 4)
	cached, ok := r.Attach("k", resumeSink)
	if !ok {
		t.Fatal("expected a cached value on attach")
	}
	if cached != "snapshot" {
		t.Fatalf("got %q, want %q", cached, "snapshot")
	}

	r.Publish("k", "live update")
	select {
	case v := <-resumeSink:
		if v != "live update" {
			t.Fatalf("got %q, want %q", v, "live update")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live update on resumed sink")
	}
}

func TestAttachWithNoPriorStreamReportsNoCache(t *testing.T) {
	r := New[string]()

	sink := make(chan string, 1)
	_, ok := r.Attach("unknown", sink)
	if ok {
		t.Fatal("expected no cached value for a key that was never published")
	}
}

func TestCloseRemovesSinkAndCache(t *testing.T) {
	r := New[string]()

	sink := r.Open("k")
	r.Publish("k", "value")
	r.Close("k")

	if _, ok := r.Cached("k"); ok {
		t.Fatal("expected cache to be cleared on close")
	}
	if v, ok := <-sink; !ok || v != "value" {
		t.Fatalf("expected the buffered value before the close, got %q (ok=%v)", v, ok)
	}
	if _, ok := <-sink; ok {
		t.Fatal("expected sink to be closed")
	}
}
