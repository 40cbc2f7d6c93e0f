package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
	transporterrors "github.com/deechat/dmcp/pkg/transport/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// stdioKillGrace is how long Disconnect waits after SIGTERM before
// escalating to SIGKILL.
const stdioKillGrace = 5 * time.Second

// stdioScanBufferSize bounds a single newline-delimited message. Tool
// results can carry large payloads, so the default scanner limit is far
// too small.
const stdioScanBufferSize = 10 * 1024 * 1024

// StdioTransport runs the MCP server as a child process and exchanges
// newline-delimited JSON over its stdin/stdout. Stderr and non-JSON stdout
// lines are treated as server diagnostics and surfaced at debug level.
type StdioTransport struct {
	baseTransport

	command string
	args    []string
	workDir string
	env     map[string]string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	exited  chan struct{}
}

// NewStdioTransport creates a stdio transport for the given command line.
func NewStdioTransport(serverID, command string, args []string, workDir string, env map[string]string) *StdioTransport {
	t := &StdioTransport{
		command: command,
		args:    args,
		workDir: workDir,
		env:     env,
	}
	t.initBaseTransport(serverID)
	return t
}

// Features reports the stdio capability set.
func (*StdioTransport) Features() types.Features {
	return types.Features{Notifications: true}
}

// PID returns the child process id, or zero when no child is running.
func (t *StdioTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Connect spawns the child process and starts the reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status() == types.StatusConnected {
		return nil
	}
	t.setStatus(types.StatusConnecting)

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = t.workDir
	cmd.Env = mergedEnv(t.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.setStatus(types.StatusError)
		t.setStatus(types.StatusDisconnected)
		return errors.NewTransportUnavailableError("failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.setStatus(types.StatusError)
		t.setStatus(types.StatusDisconnected)
		return errors.NewTransportUnavailableError("failed to open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.setStatus(types.StatusError)
		t.setStatus(types.StatusDisconnected)
		return errors.NewTransportUnavailableError("failed to open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		t.setStatus(types.StatusError)
		t.setStatus(types.StatusDisconnected)
		return errors.NewTransportUnavailableError(
			fmt.Sprintf("failed to spawn %q", t.command), err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})

	go t.readStdout(stdout)
	go t.readStderr(stderr)
	go t.waitExit(cmd, t.exited)

	t.setStatus(types.StatusConnected)
	logger.Debugw("stdio transport connected", "server", t.serverID, "command", t.command, "pid", cmd.Process.Pid)
	return nil
}

// Disconnect terminates the child: SIGTERM first, SIGKILL after the grace
// period. Pending requests are rejected before the process goes down.
func (t *StdioTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		t.setStatus(types.StatusDisconnected)
		return nil
	}

	t.setStatus(types.StatusDisconnecting)
	t.failAllPending()

	if t.stdin != nil {
		_ = t.stdin.Close()
	}

	if t.cmd.Process != nil {
		if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Debugw("SIGTERM failed, killing", "server", t.serverID, "error", err)
			_ = t.cmd.Process.Kill()
		}
		select {
		case <-t.exited:
		case <-time.After(stdioKillGrace):
			logger.Warnw("child did not exit in time, sending SIGKILL", "server", t.serverID, "pid", t.cmd.Process.Pid)
			_ = t.cmd.Process.Kill()
			<-t.exited
		}
	}

	t.cmd = nil
	t.stdin = nil
	t.setStatus(types.StatusDisconnected)
	return nil
}

// Send writes one newline-framed message to the child's stdin.
func (t *StdioTransport) Send(ctx context.Context, msg *types.JSONRPCMessage) error {
	return t.send(ctx, msg)
}

func (t *StdioTransport) send(_ context.Context, msg *types.JSONRPCMessage) error {
	t.mu.Lock()
	stdin := t.stdin
	connected := t.Status() == types.StatusConnected
	t.mu.Unlock()

	if !connected || stdin == nil {
		return errors.NewTransportUnavailableError("stdio transport not connected",
			transporterrors.NewTransportError(transporterrors.ErrNotConnected, t.serverID, ""))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.NewProtocolError("failed to marshal message", err)
	}
	data = append(data, '\n')

	// One writer at a time; partial interleaved frames would corrupt the
	// stream.
	t.writeMu.Lock()
	_, err = stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		return errors.NewTransportUnavailableError("failed to write to child stdin", err)
	}

	t.countSent(len(data))
	return nil
}

// Request sends a request and waits for the correlated response.
func (t *StdioTransport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.request(ctx, t.send, method, params)
}

// Notify sends a notification.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	return t.notify(ctx, t.send, method, params)
}

// Destroy tears the transport down for good.
func (t *StdioTransport) Destroy(ctx context.Context) error {
	err := t.Disconnect(ctx)
	t.handlerMu.Lock()
	t.handlers = make(map[int64]types.EventHandler)
	t.handlerMu.Unlock()
	return err
}

// readStdout consumes the child's stdout line by line. JSON lines become
// protocol messages; anything else is diagnostic output.
func (t *StdioTransport) readStdout(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdioScanBufferSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") {
			logger.Debugw("server stdout", "server", t.serverID, "line", line)
			continue
		}

		var msg types.JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Debugw("server stdout (not JSON-RPC)", "server", t.serverID, "line", line)
			continue
		}
		if err := msg.Validate(); err != nil {
			logger.Debugw("dropping malformed message", "server", t.serverID, "error", err)
			continue
		}

		t.countReceived(len(line))
		t.handleInbound(&msg)
	}
	if err := scanner.Err(); err != nil {
		logger.Debugw("stdout read ended", "server", t.serverID, "error", err)
	}
}

// readStderr drains stderr so the child never blocks on it.
func (t *StdioTransport) readStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), stdioScanBufferSize)
	for scanner.Scan() {
		logger.Debugw("server stderr", "server", t.serverID, "line", scanner.Text())
	}
}

// waitExit reaps the child. An exit while the transport is not shutting
// down is a failure: one error event, then the disconnect transition.
func (t *StdioTransport) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	// Taking the lock serializes against Connect and Disconnect, so the
	// status check below sees the settled state.
	t.mu.Lock()
	status := t.Status()
	if status == types.StatusDisconnecting || status == types.StatusDisconnected {
		t.mu.Unlock()
		return
	}
	t.cmd = nil
	t.stdin = nil
	t.mu.Unlock()

	exitErr := errors.NewTransportUnavailableError(
		fmt.Sprintf("server process exited unexpectedly (%s)", exitReason(cmd, err)), err)
	t.emitError(exitErr)
	t.failAllPending()
	t.setStatus(types.StatusDisconnected)
}

func exitReason(cmd *exec.Cmd, err error) string {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.String()
	}
	if err != nil {
		return err.Error()
	}
	return "unknown"
}

// mergedEnv layers the configured variables over the parent environment.
func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
