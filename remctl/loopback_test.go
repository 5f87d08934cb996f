package remctl

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
)

// staticAuth is a test Authenticator: the client presents its principal as
// the raw token, and the service accepts any non-empty token as that
// principal.
type staticAuth struct {
	principal string
}

func (a *staticAuth) Token(string) ([]byte, error) {
	return []byte(a.principal), nil
}

func (a *staticAuth) Verify(token []byte) (string, error) {
	if len(token) == 0 {
		return "", fmt.Errorf("empty token")
	}
	return string(token), nil
}

func startTestServer(t *testing.T, allowed, scratchDir string) string {
	t.Helper()
	srv := &Server{
		Auth:             &staticAuth{},
		AllowedPrincipal: allowed,
		Source:           &LocalDumpSource{ScratchDir: scratchDir},
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(ln)
	return ln.Addr().String()
}

func TestLoopbackPing(t *testing.T) {
	addr := startTestServer(t, "host/restore.example@EXAMPLE.COM", t.TempDir())
	c := NewClient(&staticAuth{principal: "host/restore.example@EXAMPLE.COM"}, "unused")
	if err := c.Ping(addr); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestLoopbackGetAndRemoveDump(t *testing.T) {
	scratch := t.TempDir()
	blob := []byte("dump blob contents")
	if err := os.WriteFile(filepath.Join(scratch, "dump-1"), blob, 0600); err != nil {
		t.Fatal(err)
	}
	addr := startTestServer(t, "p@R", scratch)
	c := NewClient(&staticAuth{principal: "p@R"}, "unused")

	rc, err := c.GetDump(addr, "dump-1")
	if err != nil {
		t.Fatalf("GetDump: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("blob = %q, want %q", got, blob)
	}

	if err := c.RemoveDump(addr, "dump-1"); err != nil {
		t.Fatalf("RemoveDump: %v", err)
	}
	if _, err := os.Stat(filepath.Join(scratch, "dump-1")); !os.IsNotExist(err) {
		t.Error("blob should be unlinked after remove-dump")
	}
}

func TestLoopbackRejectsWrongPrincipal(t *testing.T) {
	addr := startTestServer(t, "allowed@R", t.TempDir())
	c := NewClient(&staticAuth{principal: "intruder@R"}, "unused")
	if err := c.Ping(addr); err == nil {
		t.Fatal("expected access denied for mismatched principal")
	}
}

func TestLoopbackRejectsMissingDump(t *testing.T) {
	addr := startTestServer(t, "p@R", t.TempDir())
	c := NewClient(&staticAuth{principal: "p@R"}, "unused")
	if _, err := c.GetDump(addr, "no-such-blob"); err == nil {
		t.Fatal("expected error for missing blob")
	}
}
