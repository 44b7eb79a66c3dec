package mcpmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/xgpxg/fskb/pkg/apperror"
)

func TestResolveCommandNpxWindowsRename(t *testing.T) {
	// resolveCommand only special-cases npx on windows; on other
	// platforms (and for uvx/sh/bash) it passes the command through
	// unchanged.
	if got := resolveCommand("/app", "uvx"); got != "uvx" {
		t.Fatalf("expected uvx unchanged, got %q", got)
	}
	if got := resolveCommand("/app", "sh"); got != "sh" {
		t.Fatalf("expected sh unchanged, got %q", got)
	}
}

func TestResolveCommandRelativeExePath(t *testing.T) {
	got := resolveCommand("/opt/fskb", "tools/server.exe")
	want := "/opt/fskb/tools/server.exe"
	if got != want {
		t.Fatalf("expected relative .exe resolved against appDir, got %q want %q", got, want)
	}
}

func TestResolveCommandAbsoluteExeUnchanged(t *testing.T) {
	got := resolveCommand("/opt/fskb", "/usr/local/bin/server.exe")
	if got != "/usr/local/bin/server.exe" {
		t.Fatalf("expected absolute .exe path left unchanged, got %q", got)
	}
}

func TestSplitQualifiedName(t *testing.T) {
	server, tool, ok := SplitQualifiedName("weather" + ToolNameSeparator + "get_forecast")
	if !ok || server != "weather" || tool != "get_forecast" {
		t.Fatalf("unexpected split result: server=%q tool=%q ok=%v", server, tool, ok)
	}

	if _, _, ok := SplitQualifiedName("not-qualified"); ok {
		t.Fatal("expected split to fail on a name with no separator")
	}
}

func TestIsInitNotificationSendError(t *testing.T) {
	if !isInitNotificationSendError(errors.New("failed to send initialized notification: EOF")) {
		t.Fatal("expected notification-send error to be recognized")
	}
	if isInitNotificationSendError(errors.New("connection refused")) {
		t.Fatal("expected unrelated error not to be recognized as retryable")
	}
	if isInitNotificationSendError(nil) {
		t.Fatal("expected nil error to be non-retryable")
	}
}

func TestManagerStopUnknownServerReturnsNotFound(t *testing.T) {
	m := New("/app")
	if err := m.Stop("missing"); !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestManagerCallToolUnknownServerReturnsNotFound(t *testing.T) {
	m := New("/app")
	_, err := m.CallTool(context.Background(), "missing", "tool", "{}")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
