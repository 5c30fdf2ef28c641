package tmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/logging"
)

var pipeLog = logging.ForComponent(logging.CompSession)

// handshakeTimeout bounds how long NewControlPipe waits for tmux to
// acknowledge the attach.
const handshakeTimeout = 2 * time.Second

// ControlPipe wraps a persistent `tmux -C attach-session -t <name>` process
// and exposes the session's decoded %output payloads.
type ControlPipe struct {
	sessionName string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser

	output chan []byte

	ready        chan struct{}
	readyOnce    sync.Once
	handshakeErr error

	mu         sync.RWMutex
	alive      bool
	lastOutput time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewControlPipe starts a control mode client attached to the session.
// It blocks until the attach handshake completes, fails, or times out.
func NewControlPipe(tmuxBinary, sessionName string) (*ControlPipe, error) {
	if tmuxBinary == "" {
		tmuxBinary = "tmux"
	}
	// -r: read-only client, the tap never types into the session.
	cmd := exec.Command(tmuxBinary, "-C", "attach-session", "-r", "-t", sessionName)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start tmux -C: %w", err)
	}

	cp := &ControlPipe{
		sessionName: sessionName,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		output:      make(chan []byte, 256),
		ready:       make(chan struct{}),
		alive:       true,
		done:        make(chan struct{}),
	}
	go cp.reader()

	select {
	case <-cp.ready:
	case <-cp.done:
		return nil, fmt.Errorf("pipe died during handshake for session %s", sessionName)
	case <-time.After(handshakeTimeout):
		pipeLog.Debug("pipe_handshake_timeout", slog.String("session", sessionName))
	}

	if cp.handshakeErr != nil {
		cp.Close()
		return nil, fmt.Errorf("session %s: %w", sessionName, cp.handshakeErr)
	}

	pipeLog.Debug("pipe_connected", slog.String("session", sessionName))
	return cp, nil
}

// reader parses control mode lines. %output payloads are decoded and
// forwarded; command responses after the handshake are ignored.
func (cp *ControlPipe) reader() {
	defer func() {
		cp.mu.Lock()
		cp.alive = false
		cp.mu.Unlock()
		close(cp.done)
		pipeLog.Debug("pipe_reader_exited", slog.String("session", cp.sessionName))
	}()

	scanner := bufio.NewScanner(cp.stdout)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	isReady := false
	for scanner.Scan() {
		raw := scanner.Text()
		if !strings.HasPrefix(raw, "%") {
			continue
		}

		switch {
		case strings.HasPrefix(raw, "%output "):
			payload, ok := parseOutputLine(raw)
			if !ok {
				continue
			}
			cp.mu.Lock()
			cp.lastOutput = time.Now()
			cp.mu.Unlock()

			select {
			case cp.output <- payload:
			default:
				pipeLog.Debug("pipe_output_dropped", slog.String("session", cp.sessionName))
			}

		case strings.HasPrefix(raw, "%end "):
			if !isReady {
				isReady = true
				cp.readyOnce.Do(func() { close(cp.ready) })
			}

		case strings.HasPrefix(raw, "%error "):
			if !isReady {
				parts := strings.Fields(raw)
				if len(parts) > 3 {
					cp.handshakeErr = errors.New(strings.Join(parts[3:], " "))
				} else {
					cp.handshakeErr = fmt.Errorf("handshake error: %s", raw)
				}
				isReady = true
				cp.readyOnce.Do(func() { close(cp.ready) })
			}

		case strings.HasPrefix(raw, "%exit"):
			return
		}
	}

	if err := scanner.Err(); err != nil {
		pipeLog.Debug("pipe_scanner_error", slog.String("session", cp.sessionName), slog.String("error", err.Error()))
	}
}

// parseOutputLine extracts the payload of "%output %<pane> <data>".
func parseOutputLine(line string) ([]byte, bool) {
	rest := strings.TrimPrefix(line, "%output ")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 || !strings.HasPrefix(rest, "%") {
		return nil, false
	}
	return decodeOutput(rest[sp+1:]), true
}

// decodeOutput undoes tmux's control mode escaping: bytes below 0x20 and
// backslash are sent as a backslash followed by three octal digits.
func decodeOutput(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			out = append(out, (s[i+1]-'0')<<6|(s[i+2]-'0')<<3|(s[i+3]-'0'))
			i += 3
			continue
		}
		out = append(out, c)
	}
	return out
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

// Output delivers decoded output payloads. Bursts beyond the buffer are
// dropped; classification only needs a representative sample.
func (cp *ControlPipe) Output() <-chan []byte {
	return cp.output
}

// LastOutputTime returns the time of the most recent %output event.
func (cp *ControlPipe) LastOutputTime() time.Time {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.lastOutput
}

// IsAlive returns true if the control mode process is still running.
func (cp *ControlPipe) IsAlive() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.alive
}

// Done returns a channel that closes when the pipe exits.
func (cp *ControlPipe) Done() <-chan struct{} {
	return cp.done
}

// Close shuts down the control mode client and reaps the process.
func (cp *ControlPipe) Close() {
	cp.closeOnce.Do(func() {
		cp.mu.Lock()
		cp.alive = false
		cp.mu.Unlock()

		cp.stdin.Close()

		if cp.cmd.Process != nil {
			if pgid, err := syscall.Getpgid(cp.cmd.Process.Pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				_ = cp.cmd.Process.Kill()
			}
		}
		_ = cp.cmd.Wait()

		pipeLog.Debug("pipe_closed", slog.String("session", cp.sessionName))
	})
}
