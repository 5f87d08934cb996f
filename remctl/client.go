package remctl

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Client is the restore-host side of the transport: it dials a dump host,
// authenticates once per connection, and issues a single subcommand.
type Client struct {
	Auth    Authenticator
	SPN     string
	Dialer  net.Dialer
	Timeout time.Duration
}

// NewClient builds a Client that authenticates to spn (the dump host's
// service principal name) using auth.
func NewClient(auth Authenticator, spn string) *Client {
	return &Client{Auth: auth, SPN: spn, Timeout: 30 * time.Second}
}

func (c *Client) dial(addr string) (net.Conn, *bufioPair, error) {
	conn, err := c.Dialer.Dial("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("remctl: dialing %s: %w", addr, err)
	}
	if c.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	r, w := bufferedConn(conn)
	return conn, &bufioPair{r: r, w: w}, nil
}

type bufioPair struct {
	r interface {
		io.Reader
	}
	w interface {
		io.Writer
		Flush() error
	}
}

func (c *Client) authenticate(pair *bufioPair) error {
	token, err := c.Auth.Token(c.SPN)
	if err != nil {
		return fmt.Errorf("remctl: acquiring token: %w", err)
	}
	if err := writeFrame(pair.w, token); err != nil {
		return fmt.Errorf("remctl: sending token: %w", err)
	}
	return pair.w.Flush()
}

// Ping verifies connectivity and authentication to the dump host at addr,
// returning an error unless the service answers with PingReply.
func (c *Client) Ping(addr string) error {
	conn, pair, err := c.dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := c.authenticate(pair); err != nil {
		return err
	}
	if err := writeRequest(pair.w, request{Cmd: CmdPing}); err != nil {
		return fmt.Errorf("remctl: sending ping: %w", err)
	}
	if err := pair.w.Flush(); err != nil {
		return err
	}

	reply, err := readFrame(pair.r)
	if err != nil {
		return fmt.Errorf("remctl: reading ping reply: %w", err)
	}
	if err := replyError(reply); err != nil {
		return err
	}
	if string(reply) != PingReply {
		return fmt.Errorf("remctl: unexpected ping reply %q", reply)
	}
	return nil
}

// GetDump streams the named dump blob from the dump host at addr. The
// caller must close the returned ReadCloser.
func (c *Client) GetDump(addr, filename string) (io.ReadCloser, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}
	conn, pair, err := c.dial(addr)
	if err != nil {
		return nil, err
	}

	if err := c.authenticate(pair); err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeRequest(pair.w, request{Cmd: CmdGetDump, Name: filename}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remctl: sending get-dump: %w", err)
	}
	if err := pair.w.Flush(); err != nil {
		conn.Close()
		return nil, err
	}

	status, err := readFrame(pair.r)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("remctl: reading get-dump status: %w", err)
	}
	if err := replyError(status); err != nil {
		conn.Close()
		return nil, err
	}

	// Once the status frame clears, the connection carries the raw dump
	// blob directly (no further framing) so the restore side can pipe it
	// straight into the local volume restore without buffering the whole
	// thing in memory. The connection's own deadline is cleared here, before
	// the stream is handed back, so a large transfer isn't cut short.
	conn.SetDeadline(time.Time{})
	return &connReadCloser{r: pair.r, conn: conn}, nil
}

// RemoveDump asks the dump host at addr to delete the named dump blob.
func (c *Client) RemoveDump(addr, filename string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	conn, pair, err := c.dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := c.authenticate(pair); err != nil {
		return err
	}
	if err := writeRequest(pair.w, request{Cmd: CmdRemoveDump, Name: filename}); err != nil {
		return fmt.Errorf("remctl: sending remove-dump: %w", err)
	}
	if err := pair.w.Flush(); err != nil {
		return err
	}

	reply, err := readFrame(pair.r)
	if err != nil {
		return fmt.Errorf("remctl: reading remove-dump reply: %w", err)
	}
	return replyError(reply)
}

func replyError(reply []byte) error {
	const errPrefix = "error: "
	s := string(reply)
	if len(s) >= len(errPrefix) && s[:len(errPrefix)] == errPrefix {
		return fmt.Errorf("remctl: %s", s[len(errPrefix):])
	}
	return nil
}

// connReadCloser lets callers read the remainder of the connection's buffered
// reader as a blob stream and close the underlying net.Conn when done.
type connReadCloser struct {
	r interface{ io.Reader }
	conn net.Conn
}

func (c *connReadCloser) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *connReadCloser) Close() error {
	return c.conn.Close()
}
