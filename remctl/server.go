package remctl

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/openafs-contrib/cellcc/fsadmin"
	"github.com/openafs-contrib/cellcc/l3"
)

var logger = l3.Get()

// DumpSource resolves a bare dump filename to a readable file and handles
// its removal. fsadmin.DumpPath (SPEC_FULL.md §13(b)) implements the actual
// path resolution; the server only needs these two operations.
type DumpSource interface {
	Open(filename string) (io.ReadCloser, error)
	Remove(filename string) error
}

// Server is the dump-host side of the transport: it accepts connections
// from restore hosts, authenticates them, and serves ping/get-dump/
// remove-dump.
type Server struct {
	Auth            Authenticator
	AllowedPrincipal string
	ServicePrincipal string
	Source          DumpSource
}

// Serve accepts and handles connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r, w := bufferedConn(conn)

	tokenBytes, err := readFrame(r)
	if err != nil {
		logger.WarnF("remctl: reading auth token from %s: %v", conn.RemoteAddr(), err)
		return
	}
	principal, err := s.Auth.Verify(tokenBytes)
	if err != nil {
		logger.WarnF("remctl: rejecting connection from %s: %v", conn.RemoteAddr(), err)
		writeFrame(w, []byte("error: "+ErrAccessDenied.Error()))
		w.Flush()
		return
	}
	if principal != s.AllowedPrincipal {
		logger.WarnF("remctl: principal %q does not match configured allowed principal %q", principal, s.AllowedPrincipal)
		writeFrame(w, []byte("error: "+ErrAccessDenied.Error()))
		w.Flush()
		return
	}

	req, err := readRequest(r)
	if err != nil {
		logger.WarnF("remctl: reading request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	switch req.Cmd {
	case CmdPing:
		writeFrame(w, []byte(PingReply))
		w.Flush()

	case CmdGetDump:
		s.handleGetDump(w, req.Name)

	case CmdRemoveDump:
		s.handleRemoveDump(w, req.Name)

	default:
		writeFrame(w, []byte("error: unknown subcommand"))
		w.Flush()
	}
}

func flushIfBuffered(w io.Writer) {
	if bw, ok := w.(interface{ Flush() error }); ok {
		bw.Flush()
	}
}

func (s *Server) handleGetDump(w io.Writer, name string) {
	defer flushIfBuffered(w)
	if err := ValidateFilename(name); err != nil {
		writeFrame(w, []byte("error: "+err.Error()))
		return
	}
	f, err := s.Source.Open(name)
	if err != nil {
		writeFrame(w, []byte("error: "+err.Error()))
		return
	}
	defer f.Close()

	writeFrame(w, []byte("ok"))
	if _, err := io.Copy(w, f); err != nil {
		logger.WarnF("remctl: streaming dump %q: %v", name, err)
	}
}

func (s *Server) handleRemoveDump(w io.Writer, name string) {
	defer flushIfBuffered(w)
	if err := ValidateFilename(name); err != nil {
		writeFrame(w, []byte("error: "+err.Error()))
		return
	}
	if err := s.Source.Remove(name); err != nil {
		writeFrame(w, []byte("error: "+err.Error()))
		return
	}
	writeFrame(w, []byte("ok"))
}

// LocalDumpSource is the default DumpSource, backed by a scratch directory
// on the local filesystem, using fsadmin's bare-filename path resolution.
type LocalDumpSource struct {
	ScratchDir string
}

func (l *LocalDumpSource) resolvePath(name string) (string, error) {
	if err := ValidateFilename(name); err != nil {
		return "", err
	}
	return fsadmin.DumpPath(l.ScratchDir, name)
}

func (l *LocalDumpSource) Open(name string) (io.ReadCloser, error) {
	path, err := l.resolvePath(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (l *LocalDumpSource) Remove(name string) error {
	path, err := l.resolvePath(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// RefuseTerminal rejects streaming a raw dump blob to f when f is a
// terminal. The get-dump CLI wrapper calls this before copying the blob to
// stdout.
func RefuseTerminal(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if (fi.Mode() & os.ModeCharDevice) != 0 {
		return fmt.Errorf("remctl: refusing to write dump blob to a terminal")
	}
	return nil
}
