package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"sprayd/config"
	"sprayd/logging"
)

// lineConn is the line-oriented transport under the feeder protocol.
// The production implementation is an interactive SSH shell.
type lineConn interface {
	WriteLine(s string) error
	Lines() <-chan string
	Close() error
}

// Feeder speaks the powder feeder controller's line protocol over an SSH
// shell session. A write is "{addr}={value}\n"; a read is "{addr}\n" with a
// response line "{addr}={value}". Commands are serialized through a bounded
// queue with one command in flight at a time.
type Feeder struct {
	cfg  config.SSHConfig
	dial func() (lineConn, error)
	log  zerolog.Logger

	mu        sync.Mutex
	conn      lineConn
	connected bool

	queue  chan feederCmd
	done   chan struct{}
	workWG sync.WaitGroup
}

type feederCmd struct {
	line      string
	replyAddr string // non-empty when a "{addr}=..." response is expected
	reply     chan feederReply
}

type feederReply struct {
	value float64
	err   error
}

// NewFeeder builds a feeder client from configuration. The connection
// waits for Connect.
func NewFeeder(cfg config.SSHConfig) *Feeder {
	f := &Feeder{
		cfg: cfg,
		log: logging.Component("feeder"),
	}
	f.dial = f.dialSSH
	return f
}

// Connect dials the controller, retrying up to the configured attempt
// count, then runs the line-mode handshake and starts the command worker.
func (f *Feeder) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return nil
	}

	var conn lineConn
	var err error
	attempts := f.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err = f.dial()
		if err == nil {
			break
		}
		f.log.Warn().Err(err).Int("attempt", attempt).Msg("feeder connection attempt failed")
		if attempt == attempts {
			return hwErr("feeder", "connect", "", fmt.Errorf("%w after %d attempts: %v", ErrConnection, attempts, err))
		}
		select {
		case <-time.After(f.cfg.Retry.Delay):
		case <-ctx.Done():
			return hwErr("feeder", "connect", "", ctx.Err())
		}
	}

	if err := f.handshake(ctx, conn); err != nil {
		conn.Close()
		return hwErr("feeder", "connect", "", err)
	}

	f.conn = conn
	f.queue = make(chan feederCmd, f.cfg.QueueSize)
	f.done = make(chan struct{})
	f.connected = true
	f.workWG.Add(1)
	go f.worker(conn, f.queue, f.done)

	f.log.Info().Str("host", f.cfg.Host).Msg("feeder connected")
	return nil
}

// handshake enables line mode on the controller shell. A slow-booting
// controller answers the enable command with error text; in that case wait
// out the boot delay and retry once before giving up.
func (f *Feeder) handshake(ctx context.Context, conn lineConn) error {
	enable := func() (string, error) {
		if err := conn.WriteLine("gpascii -2\r\n"); err != nil {
			return "", err
		}
		if err := sleepCtx(ctx, f.cfg.HandshakeDelay); err != nil {
			return "", err
		}
		return drainLines(conn, 100*time.Millisecond), nil
	}

	resp, err := enable()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if isHandshakeError(resp) {
		f.log.Warn().Str("response", resp).Dur("boot_delay", f.cfg.BootDelay).
			Msg("controller not ready, waiting for boot")
		if err := sleepCtx(ctx, f.cfg.BootDelay); err != nil {
			return err
		}
		resp, err = enable()
		if err != nil {
			return fmt.Errorf("handshake retry: %w", err)
		}
		if isHandshakeError(resp) {
			return fmt.Errorf("handshake failed: %q", resp)
		}
	}

	if err := conn.WriteLine("echo1\n\r"); err != nil {
		return fmt.Errorf("echo test: %w", err)
	}
	drainLines(conn, 100*time.Millisecond)
	return nil
}

func isHandshakeError(resp string) bool {
	lower := strings.ToLower(resp)
	return strings.Contains(lower, "error") || strings.Contains(lower, "not found")
}

// drainLines consumes whatever response lines arrive within the window.
func drainLines(conn lineConn, window time.Duration) string {
	var b strings.Builder
	for {
		select {
		case line, ok := <-conn.Lines():
			if !ok {
				return b.String()
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(line)
		case <-time.After(window):
			return b.String()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker owns the transport after handshake: exactly one command is in
// flight at a time, in queue order.
func (f *Feeder) worker(conn lineConn, queue chan feederCmd, done chan struct{}) {
	defer f.workWG.Done()
	for {
		select {
		case <-done:
			return
		case cmd := <-queue:
			cmd.reply <- f.execute(conn, cmd)
		}
	}
}

func (f *Feeder) execute(conn lineConn, cmd feederCmd) feederReply {
	if err := conn.WriteLine(cmd.line); err != nil {
		return feederReply{err: err}
	}
	if cmd.replyAddr == "" {
		return feederReply{}
	}

	deadline := time.After(f.cfg.CommandTimeout)
	prefix := cmd.replyAddr + "="
	for {
		select {
		case line, ok := <-conn.Lines():
			if !ok {
				return feederReply{err: io.EOF}
			}
			// The shell echoes commands; skip anything that is not
			// the "{addr}={value}" response.
			idx := strings.Index(line, prefix)
			if idx < 0 {
				continue
			}
			val := strings.TrimSpace(line[idx+len(prefix):])
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return feederReply{err: fmt.Errorf("bad response %q: %w", line, err)}
			}
			return feederReply{value: float64(n)}
		case <-deadline:
			return feederReply{err: fmt.Errorf("no response for %s within %v", cmd.replyAddr, f.cfg.CommandTimeout)}
		}
	}
}

// submit enqueues a command and waits for its reply. A full queue fails
// immediately with ErrQueueFull rather than blocking the caller.
func (f *Feeder) submit(ctx context.Context, cmd feederCmd) (float64, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return 0, ErrNotConnected
	}
	queue := f.queue
	done := f.done
	f.mu.Unlock()

	cmd.reply = make(chan feederReply, 1)
	select {
	case queue <- cmd:
	default:
		return 0, ErrQueueFull
	}

	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-done:
		return 0, ErrNotConnected
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ReadTag reads a P-variable: send "{addr}\n", parse "{addr}={value}".
func (f *Feeder) ReadTag(ctx context.Context, addr string) (float64, error) {
	v, err := f.submit(ctx, feederCmd{line: addr + "\n", replyAddr: addr})
	if err != nil {
		return 0, hwErr("feeder", "read", addr, err)
	}
	return v, nil
}

// WriteTag sets a P-variable: send "{addr}={value}\n".
func (f *Feeder) WriteTag(ctx context.Context, addr string, value float64) error {
	line := fmt.Sprintf("%s=%s\n", addr, formatFeederValue(value))
	if _, err := f.submit(ctx, feederCmd{line: line}); err != nil {
		return hwErr("feeder", "write", addr, err)
	}
	return nil
}

// formatFeederValue renders integers without a decimal point; the
// controller's P-variables are integer-valued.
func formatFeederValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// IsConnected reports whether the session is up.
func (f *Feeder) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Disconnect stops the worker and closes the session.
func (f *Feeder) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil
	}
	close(f.done)
	f.workWG.Wait()
	err := f.conn.Close()
	f.conn = nil
	f.connected = false
	f.log.Info().Msg("feeder disconnected")
	return err
}

// sshConn is the production lineConn: an interactive shell on the feeder
// controller reached over SSH.
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	lines   chan string
}

func (f *Feeder) dialSSH() (lineConn, error) {
	sshCfg := &ssh.ClientConfig{
		User:            f.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(f.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         f.cfg.Timeout,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", f.cfg.Host, f.cfg.Port), sshCfg)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, err
	}

	c := &sshConn{
		client:  client,
		session: session,
		stdin:   stdin,
		lines:   make(chan string, 64),
	}
	go c.readLoop(stdout)
	return c, nil
}

func (c *sshConn) readLoop(r io.Reader) {
	defer close(c.lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		select {
		case c.lines <- line:
		default:
			// Reader stalled; drop rather than block the session.
		}
	}
}

func (c *sshConn) WriteLine(s string) error {
	_, err := io.WriteString(c.stdin, s)
	return err
}

func (c *sshConn) Lines() <-chan string { return c.lines }

func (c *sshConn) Close() error {
	c.session.Close()
	return c.client.Close()
}
