package terminal

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RecreatePolicy governs what CreateSession does when a terminal with the
// requested name already exists (spec §4.7).
type RecreatePolicy int

const (
	// RecreateNever refuses to recreate; a command mismatch is an error.
	RecreateNever RecreatePolicy = iota
	// RecreateAlways tears down the old session unconditionally.
	RecreateAlways
	// RecreateDifferentCommand only tears down if the command differs.
	RecreateDifferentCommand
)

// ResizeMessage is the JSON payload of a 0xFF-prefixed downstream frame
// (spec §4.7).
type ResizeMessage struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

const (
	downstreamInput  byte = 0x00
	downstreamResize byte = 0xFF
)

// TerminalChannel is one viewer's attachment to a Session (spec §3): a
// stdin sender and a cancellation for that viewer alone, independent of the
// underlying PTY's lifetime.
type TerminalChannel struct {
	stdin  chan []byte
	cancel context.CancelFunc

	trigger *trigger
}

// trigger is spec §4.7's TerminalTrigger: a one-shot barrier the Core side
// must satisfy (by sending an empty Terminal payload, the "begin" signal)
// before the Periphery replays history, so history bytes never race ahead
// of the viewer's channel wiring on the Core side.
type trigger struct {
	once sync.Once
	ch   chan struct{}
}

func newTrigger() *trigger {
	return &trigger{ch: make(chan struct{})}
}

func (t *trigger) Fire() {
	t.once.Do(func() { close(t.ch) })
}

func (t *trigger) Wait(ctx context.Context) error {
	select {
	case <-t.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is spec §3's TerminalSession: one PTY-backed process, shared by
// every attached viewer via a broadcast of stdout bytes plus a rolling
// history ring so late-attaching viewers can catch up.
type Session struct {
	Name    string
	Command []string

	pty *os.File
	cmd *exec.Cmd

	history *ring

	mu       sync.Mutex
	viewers  map[uuid.UUID]chan []byte
	closed   bool
	cancel   context.CancelFunc
}

// newSession starts command under a PTY and returns the live Session.
// Blocking PTY I/O runs on goroutines dedicated to that file descriptor,
// same as the teacher's split between the async runtime and any blocking
// syscalls.
func newSession(ctx context.Context, name string, command []string) (*Session, error) {
	if len(command) == 0 {
		return nil, errors.New("terminal: command must not be empty")
	}
	cmd := exec.Command(command[0], command[1:]...)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "terminal: failed to start pty")
	}
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		Name:    name,
		Command: command,
		pty:     f,
		cmd:     cmd,
		history: newRing(historyCap),
		viewers: make(map[uuid.UUID]chan []byte),
		cancel:  cancel,
	}
	go s.pumpStdout()
	go func() {
		<-sessCtx.Done()
		s.Close()
	}()
	return s, nil
}

// sameCommand reports whether command matches the session's original
// command line, used by RecreateDifferentCommand.
func (s *Session) sameCommand(command []string) bool {
	if len(s.Command) != len(command) {
		return false
	}
	for i := range command {
		if s.Command[i] != command[i] {
			return false
		}
	}
	return true
}

// pumpStdout runs on its own goroutine (the dedicated PTY I/O pump spec §5
// requires); it feeds both the rolling history and every attached viewer's
// broadcast channel.
func (s *Session) pumpStdout() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			s.history.Write(chunk)
			s.broadcast(chunk)
		}
		if err != nil {
			s.Close()
			return
		}
	}
}

func (s *Session) broadcast(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.viewers {
		select {
		case v <- chunk:
		default:
			// Slow viewer: drop rather than stall every other viewer and
			// the PTY read loop behind it.
		}
	}
}

// Attach registers a fresh viewer channel keyed by cid and returns the
// rolling history to replay plus a channel of live bytes. Callers gate the
// replay on waiting for the viewer's TerminalTrigger to fire first (spec
// §4.7).
func (s *Session) Attach(cid uuid.UUID) (history [][]byte, live <-chan []byte) {
	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.viewers[cid] = ch
	s.mu.Unlock()
	return s.history.Snapshot(), ch
}

// Detach removes a viewer's broadcast registration.
func (s *Session) Detach(cid uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.viewers[cid]; ok {
		delete(s.viewers, cid)
		close(ch)
	}
}

// Write sends raw input bytes to the PTY's stdin (downstream 0x00 framing).
func (s *Session) Write(p []byte) error {
	_, err := s.pty.Write(p)
	return errors.Wrap(err, "terminal: failed to write to pty")
}

// Resize applies a downstream 0xFF resize frame.
func (s *Session) Resize(msg ResizeMessage) error {
	return errors.Wrap(pty.Setsize(s.pty, &pty.Winsize{Rows: msg.Rows, Cols: msg.Cols}), "terminal: failed to resize pty")
}

// Close cancels every attached viewer (spec §4.7, open question 2: no
// synthetic "terminal replaced" message is sent, viewers simply observe
// channel closure) and kills the child process.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	viewers := s.viewers
	s.viewers = make(map[uuid.UUID]chan []byte)
	s.mu.Unlock()

	for _, ch := range viewers {
		close(ch)
	}
	_ = s.pty.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
}

// DecodeDownstream classifies one Terminal-frame payload per spec §4.7's
// downstream encoding: empty ⇒ begin trigger, 0x00-prefixed ⇒ raw input,
// 0xFF-prefixed ⇒ JSON resize, anything else ⇒ raw input (the "anything
// else" catch-all spec §4.7 specifies for forward compatibility).
func DecodeDownstream(payload []byte) (isBegin bool, resize *ResizeMessage, input []byte, err error) {
	if len(payload) == 0 {
		return true, nil, nil, nil
	}
	switch payload[0] {
	case downstreamInput:
		return false, nil, payload[1:], nil
	case downstreamResize:
		var msg ResizeMessage
		if err := json.Unmarshal(payload[1:], &msg); err != nil {
			return false, nil, nil, errors.Wrap(err, "terminal: invalid resize payload")
		}
		return false, &msg, nil, nil
	default:
		return false, nil, payload, nil
	}
}

// EncodeInput builds a 0x00-prefixed downstream input frame.
func EncodeInput(p []byte) []byte {
	return append([]byte{downstreamInput}, p...)
}

// EncodeResize builds a 0xFF-prefixed downstream resize frame.
func EncodeResize(msg ResizeMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "terminal: failed to marshal resize message")
	}
	return append([]byte{downstreamResize}, body...), nil
}

// EncodeBegin builds the empty "begin" trigger payload.
func EncodeBegin() []byte { return nil }
