package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/openpva/pvacore/pkg/wire"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	command     byte
	version     byte
	payloadSize int
	payload     []byte
}

func (h *recordingHandler) HandleResponse(from *net.UDPAddr, self *Transport, version, command byte, payloadSize int, buf *wire.Buffer) {
	payload := make([]byte, 0, payloadSize)
	for i := 0; i < payloadSize; i++ {
		b, err := buf.GetByte()
		if err != nil {
			break
		}
		payload = append(payload, b)
	}
	h.mu.Lock()
	h.calls = append(h.calls, call{command, version, payloadSize, payload})
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]call, len(h.calls))
	copy(out, h.calls)
	return out
}

func mustListen(t *testing.T, handler ResponseHandler) *Transport {
	t.Helper()
	tr, err := Listen("127.0.0.1:0", handler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestEchoReply(t *testing.T) {
	server := mustListen(t, nil)
	server.handler = &echoOnlyHandler{t: server}
	server.Start()

	client := mustListen(t, nil)

	if err := sendRaw(t, client, server.LocalAddr(), 2, nil); err != nil {
		t.Fatalf("sendRaw: %v", err)
	}

	// Give the server time to process and reply; then read the reply on
	// the client's socket.
	deadline := time.Now().Add(2 * time.Second)
	client.conn.SetReadDeadline(deadline)
	buf := make([]byte, 64)
	n, _, err := client.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("client read reply: %v", err)
	}
	if n < wire.HeaderSize {
		t.Fatalf("reply too short: %d bytes", n)
	}
	if buf[0] != wire.Magic || buf[3] != 2 {
		t.Fatalf("reply header mismatch: % x", buf[:n])
	}
}

// echoOnlyHandler mirrors the core's echo dispatch handler for the test
// above without importing the dispatch package, keeping this test focused
// on the transport's send/receive plumbing.
type echoOnlyHandler struct {
	t *Transport
}

func (h *echoOnlyHandler) HandleResponse(from *net.UDPAddr, self *Transport, version, command byte, payloadSize int, buf *wire.Buffer) {
	if command != 2 {
		return
	}
	self.EnqueueSendRequest(&echoReplySender{to: from})
}

type echoReplySender struct{ to *net.UDPAddr }

func (s *echoReplySender) Lock()   {}
func (s *echoReplySender) Unlock() {}
func (s *echoReplySender) Send(buf *wire.Buffer, control SendControl) {
	control.StartMessage(2, 0)
	control.SetRecipient(s.to)
}

type helloSender struct{}

func (s *helloSender) Lock()   {}
func (s *helloSender) Unlock() {}
func (s *helloSender) Send(buf *wire.Buffer, control SendControl) {}

func sendRaw(t *testing.T, tr *Transport, to *net.UDPAddr, command byte, payload []byte) error {
	t.Helper()
	sender := &rawSender{to: to, command: command, payload: payload}
	return tr.EnqueueSendRequest(sender)
}

type rawSender struct {
	to      *net.UDPAddr
	command byte
	payload []byte
}

func (s *rawSender) Lock()   {}
func (s *rawSender) Unlock() {}
func (s *rawSender) Send(buf *wire.Buffer, control SendControl) {
	control.StartMessage(s.command, 0)
	buf.PutBytes(s.payload)
	control.SetRecipient(s.to)
}

func TestProcessBufferConcatenatedMessages(t *testing.T) {
	handler := &recordingHandler{}
	tr := mustListen(t, handler)

	buf := tr.receiveBuf
	buf.Clear()
	var codec wire.Codec

	bodies := [][]byte{
		{},
		{0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00},
		bytes20(),
	}
	commands := []byte{2, 1, 0}
	for i := range bodies {
		codec.StartMessage(buf, commands[i], 0)
		buf.PutBytes(bodies[i])
		codec.EndMessage(buf)
	}
	buf.Flip()

	ok := tr.processBuffer(&net.UDPAddr{IP: net.ParseIP("192.0.2.5"), Port: 45678})
	if !ok {
		t.Fatalf("processBuffer returned false")
	}

	calls := handler.snapshot()
	if len(calls) != 3 {
		t.Fatalf("got %d handler calls, want 3", len(calls))
	}
	wantSizes := []int{0, 10, 20}
	for i, c := range calls {
		if c.payloadSize != wantSizes[i] {
			t.Errorf("call %d payloadSize = %d, want %d", i, c.payloadSize, wantSizes[i])
		}
	}
}

func bytes20() []byte {
	b := make([]byte, 20)
	for i := range b {
		b[i] = 0xAB
	}
	return b
}

func TestProcessBufferBadMagic(t *testing.T) {
	handler := &recordingHandler{}
	tr := mustListen(t, handler)

	buf := tr.receiveBuf
	buf.Clear()
	raw := []byte{0xAB, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00}
	buf.PutBytes(raw)
	buf.Flip()

	ok := tr.processBuffer(&net.UDPAddr{})
	if ok {
		t.Fatalf("processBuffer returned true for bad magic")
	}
	if len(handler.snapshot()) != 0 {
		t.Fatalf("handler was invoked on bad magic")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := mustListen(t, nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEnqueueSendRequestAfterCloseFails(t *testing.T) {
	tr := mustListen(t, nil)
	tr.Close()
	err := tr.EnqueueSendRequest(&helloSender{})
	if err != ErrClosed {
		t.Fatalf("EnqueueSendRequest after close = %v, want ErrClosed", err)
	}
}

type panicSender struct{}

func (s *panicSender) Lock()   {}
func (s *panicSender) Unlock() {}
func (s *panicSender) Send(buf *wire.Buffer, control SendControl) {
	panic("boom")
}

func TestEnqueueSendRequestAbortsOnSenderPanic(t *testing.T) {
	server := mustListen(t, nil)
	client := mustListen(t, nil)
	server.SetSendAddresses([]*net.UDPAddr{client.LocalAddr()})

	if err := server.EnqueueSendRequest(&panicSender{}); err == nil {
		t.Fatalf("EnqueueSendRequest with panicking sender returned nil error")
	}

	client.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if _, _, err := client.conn.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected no datagram to be sent after sender panic")
	}
}
