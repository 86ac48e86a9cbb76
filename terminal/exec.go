package terminal

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel markers bounding a one-shot command's output inside a PTY shared
// with interactive sessions (spec §4.7). A bare PTY has no EOF a caller can
// wait on between commands, so the wrapped command brackets its own output
// and reports its exit code inline.
const (
	startSentinel = "<START>"
	endSentinel   = "<END>"
	exitPrefix    = "<EXIT_MARKER>"
)

// WrapExecCommand builds the shell line spec §4.7 specifies: print a start
// sentinel, run cmd, then print the exit code and an end sentinel so a
// forwarding reader can bound exactly one command's output within a
// long-lived PTY.
func WrapExecCommand(cmd string) string {
	return fmt.Sprintf("printf '\\n%s\\n\\n'; %s; rc=$?; printf '\\n%s%%d\\n%s\\n' \"$rc\"",
		startSentinel, cmd, exitPrefix, endSentinel)
}

// ExecResult is the bounded output and exit code recovered from a
// sentinel-wrapped command execution.
type ExecResult struct {
	Output   []byte
	ExitCode int
}

// ForwardExecOutput reads PTY byte chunks from lines, discarding everything
// up to startSentinel, then accumulates each subsequent line (with its
// newline restored) until endSentinel, parsing the exit code off the line
// it was printed on (spec §4.7).
func ForwardExecOutput(ctx context.Context, lines <-chan []byte) (*ExecResult, error) {
	seenStart := false
	exitCode := -1
	var pending, output bytes.Buffer

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-lines:
			if !ok {
				return nil, errors.New("terminal: pty closed before <END> sentinel was observed")
			}
			pending.Write(chunk)
			for {
				line, found := nextLine(&pending)
				if !found {
					break
				}
				text := string(line)
				switch {
				case !seenStart:
					if strings.Contains(text, startSentinel) {
						seenStart = true
					}
				case strings.HasPrefix(strings.TrimSpace(text), exitPrefix):
					if _, err := fmt.Sscanf(strings.TrimSpace(text), exitPrefix+"%d", &exitCode); err != nil {
						exitCode = -1
					}
				case strings.Contains(text, endSentinel):
					return &ExecResult{Output: output.Bytes(), ExitCode: exitCode}, nil
				default:
					output.WriteString(text)
					output.WriteByte('\n')
				}
			}
		}
	}
}

// nextLine extracts and removes the first complete newline-terminated line
// from buf, if any.
func nextLine(buf *bytes.Buffer) ([]byte, bool) {
	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, false
	}
	line := append([]byte{}, data[:idx]...)
	buf.Next(idx + 1)
	return line, true
}
