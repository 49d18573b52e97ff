package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	stdioMaxFrameSize  = 10 * 1024 * 1024
	stdioStderrTailMax = 4096
	stdioExitGrace     = 2 * time.Second
)

// stdioTransport speaks newline-delimited JSON over a child process's
// standard streams. The child's stderr is drained into a bounded tail buffer
// so diagnostics never block message reads.
type stdioTransport struct {
	server string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	stdout io.ReadCloser
	stderr *tailBuffer

	writeMu sync.Mutex

	exitMu   sync.RWMutex
	exited   bool
	exitErr  error
	exitDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func openStdioTransport(ctx context.Context, identity ServerIdentity) (Transport, error) {
	command := strings.TrimSpace(identity.Command)

	cmd := exec.Command(command, identity.Args...)
	cmd.Dir = identity.Dir
	cmd.Env = mergeEnv(identity.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("start %q: %w", command, err)}
	}

	t := &stdioTransport{
		server:   identity.ID,
		cmd:      cmd,
		stdin:    stdin,
		reader:   bufio.NewReaderSize(stdout, 64*1024),
		stdout:   stdout,
		stderr:   newTailBuffer(stdioStderrTailMax),
		exitDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}

	go io.Copy(t.stderr, stderr)
	go func() {
		err := cmd.Wait()
		t.markExited(err)
	}()

	return t, nil
}

func (t *stdioTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	default:
	}
	if err := t.exitError(); err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(frame, '\n')); err != nil {
		return &TransportError{Op: "send", Err: t.decorate(err)}
	}
	return nil
}

// Receive reads the next non-empty line. It blocks on the pipe; Close (or
// child exit) unblocks it by closing stdout.
func (t *stdioTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		line, err := t.readLine()
		if err != nil {
			select {
			case <-t.closed:
				return nil, ErrTransportClosed
			default:
			}
			if err == io.EOF {
				return nil, &TransportError{Op: "receive", Err: t.decorate(fmt.Errorf("server closed stdout"))}
			}
			return nil, &TransportError{Op: "receive", Err: t.decorate(err)}
		}
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (t *stdioTransport) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := t.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > stdioMaxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", stdioMaxFrameSize)
		}
		if !isPrefix {
			return bytes.TrimSpace(buf), nil
		}
	}
}

func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.stdin.Close()

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(os.Interrupt)
		}
		select {
		case <-t.exitDone:
		case <-time.After(stdioExitGrace):
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-t.exitDone
		}
		_ = t.stdout.Close()
	})
	return nil
}

func (t *stdioTransport) markExited(err error) {
	t.exitMu.Lock()
	defer t.exitMu.Unlock()
	if t.exited {
		return
	}
	t.exited = true
	t.exitErr = err
	close(t.exitDone)
}

func (t *stdioTransport) exitError() error {
	t.exitMu.RLock()
	defer t.exitMu.RUnlock()
	if !t.exited {
		return nil
	}
	if t.exitErr == nil {
		return fmt.Errorf("server %q exited", t.server)
	}
	return fmt.Errorf("server %q exited: %w", t.server, t.exitErr)
}

// decorate attaches process exit state and the stderr tail to an error so
// connect failures surface what the child actually printed.
func (t *stdioTransport) decorate(err error) error {
	if err == nil {
		return nil
	}
	tail := strings.TrimSpace(t.stderr.String())
	if exitErr := t.exitError(); exitErr != nil {
		if tail != "" {
			return fmt.Errorf("%w; process=%v; stderr=%s", err, exitErr, tail)
		}
		return fmt.Errorf("%w; process=%v", err, exitErr)
	}
	if tail != "" {
		return fmt.Errorf("%w; stderr=%s", err, tail)
	}
	return err
}

func mergeEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}

	merged := make(map[string]string, len(base)+len(extra))
	for _, item := range base {
		key, value, _ := strings.Cut(item, "=")
		merged[key] = value
	}
	for key, value := range extra {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		merged[trimmed] = value
	}

	out := make([]string, 0, len(merged))
	for key, value := range merged {
		out = append(out, key+"="+value)
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 1024
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
