// Package transport implements the UDP transport described in the core
// spec: a bound, bidirectional datagram endpoint that receives framed
// messages, dispatches them to a response handler, and sends datagrams to
// one or many destinations with per-send framing.
//
// It is grounded on two sources: the pure-Go OverlayTransport in the
// StrandAPI reference implementation (dial/listen over net.UDPConn, a
// position/limit receive loop, context-free blocking semantics) and the
// original pvAccessCPP BlockingUDPTransport, which this package reproduces
// the concurrency contract of — one receive goroutine, a send mutex shared
// by every sender, and a bounded shutdown wait.
package transport

import (
	"errors"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/openpva/pvacore/pkg/wire"
)

// receiveTimeout bounds each recvfrom call so the receive loop can observe
// the closed flag promptly, mirroring the original SO_RCVTIMEO of 1 second.
const receiveTimeout = 1 * time.Second

// shutdownWait bounds how long Close waits for the receive goroutine to
// exit before giving up and logging instead of blocking forever.
const shutdownWait = 5 * time.Second

// ErrClosed is returned by operations attempted after the transport has
// been closed.
var ErrClosed = errors.New("transport: closed")

// ResponseHandler is invoked once per parsed message. fromAddress is the
// datagram's source; self is the transport that received it, so a handler
// can call EnqueueSendRequest to reply. buf is positioned at the start of
// the payload and must not be read past payloadSize bytes; the transport
// seeks past the declared payload regardless of how much the handler read.
type ResponseHandler interface {
	HandleResponse(fromAddress *net.UDPAddr, self *Transport, version, command byte, payloadSize int, buf *wire.Buffer)
}

// SendControl is the narrow interface a Sender uses to frame and route one
// message into the transport's active send buffer.
type SendControl interface {
	StartMessage(command byte, ensureCapacity int) error
	EndMessage() error
	SetRecipient(addr *net.UDPAddr)
	Flush(lastMessage bool) error
}

// Sender produces one message's worth of bytes into a send buffer while the
// transport's send lock is held. Lock/Unlock bracket the call to Send,
// letting callers like the beacon emitter treat the object itself as a
// reusable or one-shot resource (e.g. freeing a one-shot echo reply sender
// from Unlock).
type Sender interface {
	Lock()
	Unlock()
	Send(buf *wire.Buffer, control SendControl)
}

// Transport owns one bound UDP socket, its fixed send/receive buffers, and
// the session state of a single (remote address, priority) peer. It is
// created bound to an address, started once, and closed at most once.
type Transport struct {
	conn      *net.UDPConn
	bindAddr  *net.UDPAddr
	handler   ResponseHandler
	receiveBuf *wire.Buffer

	// send side, guarded by sendMu
	sendMu        sync.Mutex
	sendBuf       *wire.Buffer
	sendCodec     wire.Codec
	sendAddresses []*net.UDPAddr
	recipient     *net.UDPAddr
	sendToPeer    bool

	ignoreList []net.IP

	mu       sync.Mutex
	closed   bool
	started  bool
	shutdown chan struct{}

	// session state, set by the connection-validation handler
	sessionMu                     sync.Mutex
	priority                      int16
	remoteAddr                    *net.UDPAddr
	remoteReceiveBufferSize       int32
	remoteSocketReceiveBufferSize int32
	remoteMinorRevision           byte
}

// New wraps an already-bound *net.UDPConn. handler may be nil, in which
// case received messages are parsed but not dispatched (used by tests that
// only exercise framing).
func New(conn *net.UDPConn, handler ResponseHandler) *Transport {
	bindAddr, _ := conn.LocalAddr().(*net.UDPAddr)
	return &Transport{
		conn:       conn,
		bindAddr:   bindAddr,
		handler:    handler,
		receiveBuf: wire.NewBuffer(wire.MaxUDPPayload),
		sendBuf:    wire.NewBuffer(wire.MaxUDPPayload),
		shutdown:   make(chan struct{}),
	}
}

// Listen binds a new UDP socket at addr and wraps it in a Transport.
func Listen(addr string, handler ResponseHandler) (*Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return New(conn, handler), nil
}

// LocalAddr returns the transport's bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr { return t.bindAddr }

// SetSendAddresses configures the fan-out destination list used when a
// sender does not call SetRecipient.
func (t *Transport) SetSendAddresses(addrs []*net.UDPAddr) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.sendAddresses = addrs
}

// SetIgnoreList configures source addresses whose datagrams are dropped on
// receive without being parsed, used to suppress loopback echoes of a
// server's own broadcasts.
func (t *Transport) SetIgnoreList(ips []net.IP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ignoreList = ips
}

// SetHandler installs the response handler, letting callers build a
// transport before the dispatch table that will route its messages exists
// (the usual order when a table closes over the transport it dispatches for).
func (t *Transport) SetHandler(handler ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// SetReceiveBufferSize configures the kernel socket receive buffer (SO_RCVBUF).
func (t *Transport) SetReceiveBufferSize(bytes int) error {
	return t.conn.SetReadBuffer(bytes)
}

// GetSocketReceiveBufferSize reads the kernel SO_RCVBUF value for this
// socket, returning -1 (and logging) on failure. net.UDPConn exposes a
// setter (SetReadBuffer) but no getter, so this drops to the raw socket via
// SyscallConn — there is no third-party sockopt library in the reference
// corpus, and the syscall package is the standard way to read a sockopt
// the net package does not surface.
func (t *Transport) GetSocketReceiveBufferSize() int {
	sc, err := t.conn.SyscallConn()
	if err != nil {
		log.Printf("transport %s: SyscallConn: %v", t.bindAddr, err)
		return -1
	}

	size := -1
	var sockErr error
	ctrlErr := sc.Control(func(fd uintptr) {
		size, sockErr = syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF)
	})
	if ctrlErr != nil {
		log.Printf("transport %s: getsockopt SO_RCVBUF: %v", t.bindAddr, ctrlErr)
		return -1
	}
	if sockErr != nil {
		log.Printf("transport %s: getsockopt SO_RCVBUF: %v", t.bindAddr, sockErr)
		return -1
	}
	return size
}

// Start spawns the transport's single receive goroutine. It must be called
// at most once.
func (t *Transport) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.receiveLoop()
}

// isClosed reports whether Close has been called.
func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close shuts the transport down and, if Start was called, waits up to 5
// seconds for the receive goroutine to exit. It is idempotent: the second and later calls are no-ops.
func (t *Transport) Close() error {
	return t.close(true)
}

// CloseNoWait behaves like Close but returns immediately without waiting
// for the receive goroutine to exit.
func (t *Transport) CloseNoWait() error {
	return t.closeSocket()
}

func (t *Transport) close(waitForGoroutine bool) error {
	t.mu.Lock()
	alreadyClosed, started := t.closed, t.started
	t.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	err := t.closeSocket()
	if waitForGoroutine && started {
		select {
		case <-t.shutdown:
		case <-time.After(shutdownWait):
			log.Printf("transport %s: receive goroutine did not exit within %s", t.bindAddr, shutdownWait)
		}
	}
	return err
}

func (t *Transport) closeSocket() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// receiveLoop is the transport's sole reader of the socket and sole writer
// of the receive buffer.
func (t *Transport) receiveLoop() {
	defer close(t.shutdown)

	for !t.isClosed() {
		t.receiveBuf.Clear()

		if err := t.conn.SetReadDeadline(time.Now().Add(receiveTimeout)); err != nil {
			if t.isClosed() {
				return
			}
			log.Printf("transport %s: set read deadline: %v", t.bindAddr, err)
		}

		n, from, err := t.conn.ReadFromUDP(t.receiveBuf.Array())
		if err != nil {
			if isTimeoutOrTransient(err) {
				continue
			}
			if t.isClosed() {
				return
			}
			log.Printf("transport %s: recvfrom error: %v", t.bindAddr, err)
			t.closeSocket()
			return
		}

		if n <= 0 {
			continue
		}
		if t.isIgnored(from) {
			continue
		}

		t.receiveBuf.SetPosition(n)
		t.receiveBuf.Flip()
		t.processBuffer(from)
	}
}

func isTimeoutOrTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// ECONNREFUSED/ECONNRESET surface on some platforms when a previous
	// send to an unreachable peer completes asynchronously; the original
	// transport treats these as transient and keeps reading.
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

func (t *Transport) isIgnored(from *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ignoreList) == 0 {
		return false
	}
	for _, ip := range t.ignoreList {
		if ip.Equal(from.IP) {
			return true
		}
	}
	return false
}

// processBuffer parses and dispatches every complete message in the
// receive buffer, stopping when fewer than HeaderSize bytes remain or a
// framing error occurs. It reports whether the buffer parsed cleanly to the
// end (false on bad magic or a payload that overruns the buffer).
func (t *Transport) processBuffer(from *net.UDPAddr) bool {
	for t.receiveBuf.Remaining() >= wire.HeaderSize {
		msgStart := t.receiveBuf.Position()

		hdr, err := wire.ReadHeader(t.receiveBuf)
		if err != nil {
			return false
		}

		if t.handler != nil {
			t.dispatchSafely(from, hdr)
		}

		t.receiveBuf.SetPosition(msgStart + wire.HeaderSize + hdr.PayloadSize)
	}
	return true
}

// dispatchSafely invokes the response handler, converting any panic into a
// logged error so a misbehaving handler never takes down the receive
// goroutine.
func (t *Transport) dispatchSafely(from *net.UDPAddr, hdr wire.Header) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("transport %s: handler panic for command %d from %s: %v", t.bindAddr, hdr.Command, from, r)
		}
	}()
	t.handler.HandleResponse(from, t, hdr.Version, hdr.Command, hdr.PayloadSize, t.receiveBuf)
}

// EnsureData reports whether at least n bytes remain in buf, mirroring the
// original Transport.ensureData contract used by handlers before reading a
// fixed-size payload.
func (t *Transport) EnsureData(buf *wire.Buffer, n int) error {
	if buf.Remaining() < n {
		return errors.New("transport: not enough data in buffer")
	}
	return nil
}

// EnqueueSendRequest synchronously frames and transmits one sender's
// message while holding the send lock, so concurrent senders never
// interleave their writes to the send buffer.
func (t *Transport) EnqueueSendRequest(sender Sender) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.isClosed() {
		return ErrClosed
	}

	t.sendToPeer = false
	t.recipient = nil
	t.sendBuf.Clear()

	sender.Lock()
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				log.Printf("transport %s: sender panic: %v", t.bindAddr, r)
			}
			sender.Unlock()
		}()
		sender.Send(t.sendBuf, t)
	}()
	if panicked {
		return errors.New("transport: sender panicked")
	}

	if err := t.sendCodec.EndMessage(t.sendBuf); err != nil {
		return err
	}

	if t.sendToPeer && t.recipient != nil {
		return t.sendToOne(t.recipient)
	}
	return t.sendToAll()
}

// StartMessage implements SendControl by delegating to the send-side codec.
func (t *Transport) StartMessage(command byte, ensureCapacity int) error {
	return t.sendCodec.StartMessage(t.sendBuf, command, ensureCapacity)
}

// EndMessage implements SendControl. Ordinary senders do not need to call
// this themselves: EnqueueSendRequest calls it once after Send returns.
func (t *Transport) EndMessage() error {
	return t.sendCodec.EndMessage(t.sendBuf)
}

// SetRecipient implements SendControl, directing the pending send at a
// single address instead of the fan-out destination list.
func (t *Transport) SetRecipient(addr *net.UDPAddr) {
	t.sendToPeer = true
	t.recipient = addr
}

// Flush implements SendControl. UDP framing has no stream-level buffering
// to flush; the datagram is written by EnqueueSendRequest once Send returns.
func (t *Transport) Flush(lastMessage bool) error {
	return nil
}

func (t *Transport) sendToOne(addr *net.UDPAddr) error {
	buf := t.sendBuf
	buf.Flip()
	_, err := t.conn.WriteToUDP(buf.Bytes(), addr)
	if err != nil {
		log.Printf("transport %s: sendto %s error: %v", t.bindAddr, addr, err)
	}
	return err
}

func (t *Transport) sendToAll() error {
	if len(t.sendAddresses) == 0 {
		return errors.New("transport: no send addresses configured")
	}
	buf := t.sendBuf
	buf.Flip()
	payload := buf.Bytes()

	var firstErr error
	for _, addr := range t.sendAddresses {
		if _, err := t.conn.WriteToUDP(payload, addr); err != nil {
			log.Printf("transport %s: sendto %s error: %v", t.bindAddr, addr, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// GetRemoteAddress and the session-state accessors below model the
// per-peer Transport collaborator interface from the core spec: the UDP
// transport doubles as the session object the response dispatch handlers
// mutate.

// RemoteAddress returns the single peer address this transport represents
// in the transport registry. It is nil for a shared discovery socket that
// serves many peers, and set once a per-priority session is established.
func (t *Transport) RemoteAddress() *net.UDPAddr {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.remoteAddr
}

// SetRemoteAddress records the peer this transport represents for registry
// lookups.
func (t *Transport) SetRemoteAddress(addr *net.UDPAddr) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	t.remoteAddr = addr
}

func (t *Transport) GetPriority() int16 {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.priority
}

func (t *Transport) SetPriority(p int16) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	t.priority = p
}

func (t *Transport) SetRemoteTransportReceiveBufferSize(n int32) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	t.remoteReceiveBufferSize = n
}

func (t *Transport) SetRemoteTransportSocketReceiveBufferSize(n int32) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	t.remoteSocketReceiveBufferSize = n
}

func (t *Transport) SetRemoteMinorRevision(v byte) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	t.remoteMinorRevision = v
}

func (t *Transport) RemoteMinorRevision() byte {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.remoteMinorRevision
}
