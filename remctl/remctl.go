// Package remctl implements the kerberized remote-command transport used
// between the dump host and a destination cell's restore host, per spec.md
// §6. The restore host is always the client; the dump host runs the
// service. Three subcommands are supported: ping, get-dump and remove-dump.
package remctl

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrAccessDenied is returned when the authenticated principal does not
// match the configured allowed principal.
var ErrAccessDenied = errors.New("remctl: access denied")

// ErrBadFilename is returned when a filename argument contains path
// separators or is otherwise not a bare name, per spec.md §6.
var ErrBadFilename = errors.New("remctl: filename must not contain path separators")

// Subcommand identifies one of the bounded set of operations the transport
// carries.
type Subcommand string

const (
	CmdPing       Subcommand = "ping"
	CmdGetDump    Subcommand = "get-dump"
	CmdRemoveDump Subcommand = "remove-dump"
)

// PingReply is the fixed success string returned by a ping subcommand.
const PingReply = "cellcc-remctl-ok"

// ValidateFilename enforces spec.md §6's bare-name rule: no directory
// components, since the name is resolved against the configured scratch
// directory on the receiving side.
func ValidateFilename(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return ErrBadFilename
	}
	if name == "." || name == ".." {
		return ErrBadFilename
	}
	return nil
}

// request is the wire frame sent by the client after authentication:
// subcommand name, then a single filename argument (empty for ping).
type request struct {
	Cmd  Subcommand
	Name string
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxFrame = 64 * 1024 * 1024
	if n > maxFrame {
		return nil, fmt.Errorf("remctl: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeRequest(w io.Writer, req request) error {
	line := string(req.Cmd) + " " + req.Name + "\n"
	return writeFrame(w, []byte(line))
}

func readRequest(r io.Reader) (request, error) {
	raw, err := readFrame(r)
	if err != nil {
		return request{}, err
	}
	line := strings.TrimSuffix(string(raw), "\n")
	parts := strings.SplitN(line, " ", 2)
	req := request{Cmd: Subcommand(parts[0])}
	if len(parts) == 2 {
		req.Name = parts[1]
	}
	return req, nil
}

func bufferedConn(conn net.Conn) (*bufio.Reader, *bufio.Writer) {
	return bufio.NewReader(conn), bufio.NewWriter(conn)
}
