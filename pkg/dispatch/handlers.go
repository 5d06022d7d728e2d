package dispatch

import (
	"encoding/hex"
	"fmt"
	"log"
	"net"

	"github.com/openpva/pvacore/pkg/transport"
	"github.com/openpva/pvacore/pkg/wire"
)

var logf = log.Printf

// baseHandler provides the optional debug hex-dump every concrete handler
// runs before its own logic, matching AbstractResponseHandler's shared
// prologue+hexDump behavior. debug is fixed per handler instance.
type baseHandler struct {
	debug       bool
	description string
}

// debugDump logs a one-line prologue and a hex dump of the payload without
// disturbing buf's read position, mirroring the original's use of
// getArray()+getPosition() to peek rather than consume.
func (h baseHandler) debugDump(from *net.UDPAddr, version, command byte, buf *wire.Buffer, payloadSize int) {
	if !h.debug {
		return
	}
	dumpPayload(fmt.Sprintf("Message [%d, v0x%02x] received from %s (%s)", command, version, from, h.description), buf, payloadSize)
}

// dumpPayload hex-dumps up to payloadSize bytes starting at buf's current
// position, clamped to what actually remains.
func dumpPayload(prologue string, buf *wire.Buffer, payloadSize int) {
	n := payloadSize
	if r := buf.Remaining(); n > r {
		n = r
	}
	data, err := buf.Peek(n)
	if err != nil {
		logf("%s: <unavailable: %v>", prologue, err)
		return
	}
	logf("%s:\n%s", prologue, hex.Dump(data))
}

// NoopResponse is the server-side handler for beacon frames: a server sends
// beacons, it never receives them, so there is nothing to do beyond the
// shared debug dump.
type NoopResponse struct{ baseHandler }

func (h *NoopResponse) HandleResponse(from *net.UDPAddr, self *transport.Transport, version, command byte, payloadSize int, buf *wire.Buffer) {
	h.debugDump(from, version, command, buf, payloadSize)
}

// ConnectionValidation reads the peer's receive-buffer sizes and priority
// and records them on the owning transport's session state.
type ConnectionValidation struct{ baseHandler }

func (h *ConnectionValidation) HandleResponse(from *net.UDPAddr, self *transport.Transport, version, command byte, payloadSize int, buf *wire.Buffer) {
	h.debugDump(from, version, command, buf, payloadSize)

	const wantBytes = 4 + 4 + 2
	if err := self.EnsureData(buf, wantBytes); err != nil {
		logf("dispatch: connection validation from %s: %v", from, err)
		return
	}

	clientReceiveBufferSize, err := buf.GetUint32()
	if err != nil {
		logf("dispatch: connection validation from %s: %v", from, err)
		return
	}
	clientSocketReceiveBufferSize, err := buf.GetUint32()
	if err != nil {
		logf("dispatch: connection validation from %s: %v", from, err)
		return
	}
	priority, err := buf.GetUint16()
	if err != nil {
		logf("dispatch: connection validation from %s: %v", from, err)
		return
	}

	self.SetRemoteTransportReceiveBufferSize(int32(clientReceiveBufferSize))
	self.SetRemoteTransportSocketReceiveBufferSize(int32(clientSocketReceiveBufferSize))
	self.SetRemoteMinorRevision(version)
	self.SetPriority(int16(priority))
}

// Echo replies to a command-2 message with an empty command-2 datagram
// addressed back to the sender.
type Echo struct{ baseHandler }

func (h *Echo) HandleResponse(from *net.UDPAddr, self *transport.Transport, version, command byte, payloadSize int, buf *wire.Buffer) {
	h.debugDump(from, version, command, buf, payloadSize)
	if err := self.EnqueueSendRequest(&echoReplySender{to: from}); err != nil {
		logf("dispatch: echo reply to %s: %v", from, err)
	}
}

// echoReplySender is a one-shot sender: it carries no state beyond the
// reply address and is discarded after EnqueueSendRequest returns.
type echoReplySender struct {
	to *net.UDPAddr
}

func (s *echoReplySender) Lock()   {}
func (s *echoReplySender) Unlock() {}

func (s *echoReplySender) Send(buf *wire.Buffer, control transport.SendControl) {
	control.StartMessage(CmdEcho, 0)
	control.SetRecipient(s.to)
}

// BadResponse handles every reserved command slot: it logs the command and
// hex-dumps the payload without mutating any state. A single instance is
// shared across every reserved slot in the dispatch table.
type BadResponse struct{ baseHandler }

func (h *BadResponse) HandleResponse(from *net.UDPAddr, self *transport.Transport, version, command byte, payloadSize int, buf *wire.Buffer) {
	h.debugDump(from, version, command, buf, payloadSize)
	logf("dispatch: undecipherable message (bad response type %d) from %s", command, from)
}
