package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSession_AddMessage(t *testing.T) {
    sess := &Session{Key: "test"}
    sess.AddMessage("user", "hello")
    sess.AddMessage("assistant", "hi there")

    history := sess.GetHistory(10)
    if len(history) != 2 {
        t.Fatalf("expected 2 messages, got %d", len(history))
    }
    if history[0].Role != "user" {
        t.Errorf("expected role=user, got %s", history[0].Role)
    }
}

func TestManager_GetOrCreate(t *testing.T) {
    mgr := NewManager(t.TempDir())

    sess1 := mgr.GetOrCreate("test:123")
    sess2 := mgr.GetOrCreate("test:123")

    if sess1 != sess2 {
        t.Error("expected same session instance")
    }
}

func TestSession_AppendAndLoad(t *testing.T) {
	baseDir := t.TempDir()

	// Create a manager, get a session, add messages, and persist each one
	mgr1 := NewManager(baseDir)
	sess := mgr1.GetOrCreate("persist-test")
	for _, pair := range [][2]string{
		{"user", "What is Go?"},
		{"assistant", "Go is a programming language."},
		{"user", "Tell me more."},
	} {
		msg := sess.AddMessage(pair[0], pair[1])
		if err := mgr1.Append(sess.Key, msg); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	// Create a NEW manager with the same base dir and load the same session
	mgr2 := NewManager(baseDir)
	loaded := mgr2.GetOrCreate("persist-test")

	history := loaded.GetHistory(0) // 0 means all
	if len(history) != 3 {
		t.Fatalf("expected 3 messages after load, got %d", len(history))
	}

	// Verify message content and roles
	if history[0].Role != "user" || history[0].Content != "What is Go?" {
		t.Errorf("message[0]: expected role=user content='What is Go?', got role=%s content=%s", history[0].Role, history[0].Content)
	}
	if history[1].Role != "assistant" || history[1].Content != "Go is a programming language." {
		t.Errorf("message[1]: expected role=assistant content='Go is a programming language.', got role=%s content=%s", history[1].Role, history[1].Content)
	}
	if history[2].Role != "user" || history[2].Content != "Tell me more." {
		t.Errorf("message[2]: expected role=user content='Tell me more.', got role=%s content=%s", history[2].Role, history[2].Content)
	}
}

func TestManager_Reset(t *testing.T) {
	baseDir := t.TempDir()

	mgr := NewManager(baseDir)
	sess := mgr.GetOrCreate("reset-test")
	if err := mgr.Append(sess.Key, sess.AddMessage("user", "hello")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	fresh := mgr.Reset("reset-test")
	if fresh.Len() != 0 {
		t.Fatalf("expected empty session after reset, got %d messages", fresh.Len())
	}
	if mgr.GetOrCreate("reset-test") != fresh {
		t.Error("expected GetOrCreate to return the reset session")
	}

	// The on-disk file must be gone too.
	if _, err := os.Stat(filepath.Join(baseDir, "sessions", "reset-test.jsonl")); !os.IsNotExist(err) {
		t.Error("expected session file removed after reset")
	}
}

func TestManager_List(t *testing.T) {
	baseDir := t.TempDir()

	mgr := NewManager(baseDir)
	for _, key := range []string{"beta", "alpha"} {
		sess := mgr.GetOrCreate(key)
		if err := mgr.Append(key, sess.AddMessage("user", "hi")); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	keys := mgr.List()
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "beta" {
		t.Fatalf("List() = %v, want [alpha beta]", keys)
	}
}

func TestFileKey_SanitizesSeparators(t *testing.T) {
	if got := FileKey("cli:direct"); got != "cli_direct" {
		t.Fatalf("FileKey = %q, want cli_direct", got)
	}
	if got := FileKey("a/b\\c"); got != "a_b_c" {
		t.Fatalf("FileKey = %q, want a_b_c", got)
	}

	// List reports the same form.
	mgr := NewManager(t.TempDir())
	sess := mgr.GetOrCreate("cli:direct")
	if err := mgr.Append(sess.Key, sess.AddMessage("user", "hi")); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if keys := mgr.List(); len(keys) != 1 || keys[0] != "cli_direct" {
		t.Fatalf("List() = %v, want [cli_direct]", keys)
	}
}

func TestSession_EmptySessionHasNoFile(t *testing.T) {
	baseDir := t.TempDir()

	mgr := NewManager(baseDir)
	mgr.GetOrCreate("empty-session")

	// Nothing was appended, so no file may exist and List must not report it.
	sessDir := filepath.Join(baseDir, "sessions")
	entries, err := os.ReadDir(sessDir)
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() == "empty-session.jsonl" {
			t.Fatal("expected no file for empty session, but file was created")
		}
	}
	if keys := mgr.List(); len(keys) != 0 {
		t.Fatalf("List() = %v, want empty", keys)
	}
}
