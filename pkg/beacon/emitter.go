// Package beacon implements the periodic server announcement described by
// the core: a variable-cadence timer that enqueues a beacon datagram onto a
// transport, fast at startup and slow once enough beacons have gone out for
// clients to have noticed the server.
//
// It is grounded on pvAccessCPP's BeaconEmitter
// (original_source/pvAccessApp/server/beaconEmitter.cpp): the same period
// and count-limit floors, the same wire layout, and the same
// self-reschedule-from-send design. Where the original hands a TimerNode to
// a shared EPICS Timer and guards re-entrant callbacks with a weak self
// reference, this package uses time.AfterFunc and an atomic stopped flag:
// Go's garbage collector does not need the weak pointer to break a
// reference cycle, but the emitter still must not fire again once the
// server has torn it down, which the flag enforces.
package beacon

import (
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/openpva/pvacore/pkg/introspect"
	"github.com/openpva/pvacore/pkg/transport"
	"github.com/openpva/pvacore/pkg/wire"
)

// MinPeriod is the shortest allowed fast-beacon period.
const MinPeriod = 1 * time.Second

// MinCountLimit is the smallest allowed beacon count limit.
const MinCountLimit = 3

const (
	defaultSlowPeriod  = 180 * time.Second
	defaultCountLimit  = 10
	cmdBeacon     byte = 0
)

// Emitter periodically enqueues a beacon send onto a transport. Callers
// construct one per server and call Start once; Stop cancels any pending
// timer and makes the emitter inert.
type Emitter struct {
	transport *transport.Transport

	fastPeriod time.Duration
	slowPeriod time.Duration
	countLimit int16

	serverAddress net.IP
	serverPort    int

	statusProvider introspect.StatusProvider
	serializer     introspect.Serializer

	startupSeconds int64
	startupNanos   int32

	sequenceID int16
	stopped    atomic.Bool
	timer      *time.Timer
}

// Config collects an Emitter's construction parameters. A Period below
// MinPeriod (including zero) is raised to MinPeriod, and a CountLimit below
// MinCountLimit (including zero) is replaced by the default limit of 10.
type Config struct {
	Period         time.Duration
	CountLimit     int16
	ServerAddress  net.IP
	ServerPort     int
	StatusProvider introspect.StatusProvider
	Serializer     introspect.Serializer
}

// New builds an Emitter bound to tr. now is the server's startup time,
// passed in rather than read from the clock so callers control it.
func New(tr *transport.Transport, cfg Config, now time.Time) *Emitter {
	fast := cfg.Period
	if fast < MinPeriod {
		fast = MinPeriod
	}
	slow := defaultSlowPeriod
	if fast > slow {
		slow = fast
	}
	limit := cfg.CountLimit
	if limit < MinCountLimit {
		limit = defaultCountLimit
	}
	serializer := cfg.Serializer
	if serializer == nil {
		serializer = introspect.NullSerializer{}
	}

	return &Emitter{
		transport:      tr,
		fastPeriod:     fast,
		slowPeriod:     slow,
		countLimit:     limit,
		serverAddress:  cfg.ServerAddress,
		serverPort:     cfg.ServerPort,
		statusProvider: cfg.StatusProvider,
		serializer:     serializer,
		startupSeconds: now.Unix(),
		startupNanos:   int32(now.Nanosecond()),
	}
}

// Start schedules the first beacon immediately.
func (e *Emitter) Start() {
	e.timer = time.AfterFunc(0, e.fire)
}

// Stop cancels any pending beacon and prevents further rescheduling. Safe
// to call more than once and safe to call concurrently with a firing timer.
func (e *Emitter) Stop() {
	e.stopped.Store(true)
	if e.timer != nil {
		e.timer.Stop()
	}
}

// fire runs on the timer goroutine: it enqueues a send request and, once
// that returns, reschedules itself. Enqueuing synchronously (rather than
// letting the transport's send path call back into the emitter later)
// matches the original's callback()+enqueueSendRequest pairing, where the
// reschedule happens inside send() after the datagram is framed.
func (e *Emitter) fire() {
	if e.stopped.Load() {
		return
	}
	if err := e.transport.EnqueueSendRequest(e); err != nil {
		log.Printf("beacon: enqueue send: %v", err)
	}
}

// Lock and Unlock implement transport.Sender. The emitter is a single
// long-lived sender reused by every beacon, so both are no-ops; there is
// nothing to protect since EnqueueSendRequest already serializes senders.
func (e *Emitter) Lock()   {}
func (e *Emitter) Unlock() {}

// Send implements transport.Sender, writing one beacon datagram and then
// rescheduling the next one. The reschedule happens here, under the send
// lock, exactly as in the original: the sequence ID is incremented first,
// so the next period is decided by the number of beacons sent so far.
func (e *Emitter) Send(buf *wire.Buffer, control transport.SendControl) {
	var field introspect.Field
	var value []byte
	var statusErr error
	if e.statusProvider != nil {
		field, value, statusErr = e.statusProvider.ServerStatus()
		if statusErr != nil {
			log.Printf("beacon: status provider error, sending beacon without status: %v", statusErr)
			field = nil
			value = nil
		}
	}

	control.StartMessage(cmdBeacon, 2+8+4+16+2)

	buf.PutUint16(uint16(e.sequenceID))
	buf.PutUint64(uint64(e.startupSeconds))
	buf.PutUint32(uint32(e.startupNanos))
	putIPv6(buf, e.serverAddress)
	buf.PutUint16(uint16(e.serverPort))

	if err := e.serializer.SerializeFull(field, buf); err != nil {
		log.Printf("beacon: serialize status field: %v", err)
	}
	if field != nil {
		if err := buf.PutBytes(value); err != nil {
			log.Printf("beacon: write status value: %v", err)
		}
	}

	control.Flush(true)

	e.sequenceID++
	e.reschedule()
}

// reschedule picks the next period based on how many beacons have gone out
// and arms the timer, unless the emitter has been stopped in the meantime.
func (e *Emitter) reschedule() {
	if e.stopped.Load() {
		return
	}
	period := e.fastPeriod
	if e.sequenceID >= e.countLimit {
		period = e.slowPeriod
	}
	if period <= 0 {
		return
	}
	e.timer = time.AfterFunc(period, e.fire)
}

// putIPv6 writes addr as a 16-byte IPv6 address, mapping an IPv4 address
// into the ::ffff:a.b.c.d form the way the original's encodeAsIPv6Address
// does for a server bound to an IPv4 wildcard or unicast address.
func putIPv6(buf *wire.Buffer, addr net.IP) {
	var v6 [16]byte
	if ip4 := addr.To4(); ip4 != nil {
		v6[10] = 0xff
		v6[11] = 0xff
		copy(v6[12:], ip4)
	} else if ip16 := addr.To16(); ip16 != nil {
		copy(v6[:], ip16)
	}
	buf.PutBytes(v6[:])
}
