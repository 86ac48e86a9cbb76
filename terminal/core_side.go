package terminal

import (
	"github.com/google/uuid"

	"github.com/fleetlink/corewire/peer"
	"github.com/fleetlink/corewire/wire"
)

// CoreSide is the viewer-facing half of the terminal subprotocol: the Core
// process (or any other peer attaching to a Periphery-hosted PTY) does not
// run a Manager or Session -- it just speaks the downstream/upstream
// Terminal frame encoding over an established channel id.
type CoreSide struct {
	Conn    *peer.Connection
	Channel uuid.UUID
}

// SendBegin fires the "begin" trigger on the Periphery side, unblocking its
// history replay (spec §4.7). Callers must send this only after they have
// finished wiring up whatever local callback will receive upstream frames,
// since history can arrive immediately afterward.
func (c CoreSide) SendBegin() {
	c.Conn.Send(wire.EncodeTerminalFrame(c.Channel, EncodeBegin()))
}

// SendInput forwards raw keystrokes to the remote PTY.
func (c CoreSide) SendInput(p []byte) {
	c.Conn.Send(wire.EncodeTerminalFrame(c.Channel, EncodeInput(p)))
}

// SendResize forwards a terminal size change to the remote PTY.
func (c CoreSide) SendResize(msg ResizeMessage) error {
	payload, err := EncodeResize(msg)
	if err != nil {
		return err
	}
	c.Conn.Send(wire.EncodeTerminalFrame(c.Channel, payload))
	return nil
}
