// Package dispatch implements the core's response dispatch: a
// command-indexed table of handlers that decode incoming messages by
// command code and mutate transport or session state.
//
// It is grounded on pvAccessCPP's ServerResponseHandler and
// AbstractResponseHandler (original_source/pvAccessApp/server/responseHandlers.cpp,
// original_source/pvAccessApp/remote/abstractResponseHandler.cpp): a flat
// array of handlers indexed by command byte, with every reserved slot
// above the defined commands sharing one BadResponse instance rather than
// each owning a separate copy (spec §9 design note on the original's
// partial-delete destructor bug).
package dispatch

import (
	"fmt"
	"net"

	"github.com/openpva/pvacore/pkg/transport"
	"github.com/openpva/pvacore/pkg/wire"
)

// Command codes defined by the core.
const (
	CmdBeacon               byte = 0
	CmdConnectionValidation byte = 1
	CmdEcho                 byte = 2
)

// HandlerTableLength is the number of command slots covered by Table,
// matching the original implementation's reserved range for future
// command growth. Commands at or beyond this value are logged as invalid.
const HandlerTableLength = 28

// Handler decodes one message's payload and mutates transport or session
// state. It is invoked only after the full header has been parsed and
// payloadSize bytes are known to remain in buf.
type Handler interface {
	HandleResponse(from *net.UDPAddr, self *transport.Transport, version, command byte, payloadSize int, buf *wire.Buffer)
}

// Table routes incoming messages to a Handler by command code.
type Table struct {
	handlers [HandlerTableLength]Handler
}

// NewServerTable builds the standard server-side dispatch table: beacon is
// a no-op (servers send beacons, they don't receive them), connection
// validation and echo have dedicated handlers, and every other slot in
// range shares one BadResponse instance. debug enables per-message hex
// dumps on every handler.
func NewServerTable(debug bool) *Table {
	t := &Table{}
	bad := &BadResponse{baseHandler{debug: debug, description: "bad response"}}

	t.handlers[CmdBeacon] = &NoopResponse{baseHandler{debug: debug, description: "Beacon"}}
	t.handlers[CmdConnectionValidation] = &ConnectionValidation{baseHandler{debug: debug, description: "Connection validation"}}
	t.handlers[CmdEcho] = &Echo{baseHandler{debug: debug, description: "Echo"}}
	for i := int(CmdEcho) + 1; i < HandlerTableLength; i++ {
		t.handlers[i] = bad
	}
	return t
}

// HandleResponse implements transport.ResponseHandler, routing by command
// code. Commands outside [0, HandlerTableLength) are logged and their
// payload hex-dumped without mutating any state.
func (t *Table) HandleResponse(from *net.UDPAddr, self *transport.Transport, version, command byte, payloadSize int, buf *wire.Buffer) {
	if int(command) >= len(t.handlers) || t.handlers[command] == nil {
		logInvalidCommand(from, command, buf, payloadSize)
		return
	}
	t.handlers[command].HandleResponse(from, self, version, command, payloadSize, buf)
}

func logInvalidCommand(from *net.UDPAddr, command byte, buf *wire.Buffer, payloadSize int) {
	logf("dispatch: invalid or unsupported command %d from %s", command, from)
	dumpPayload(fmt.Sprintf("Invalid header %d, its payload buffer", command), buf, payloadSize)
}
