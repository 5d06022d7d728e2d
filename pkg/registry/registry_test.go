package registry

import (
	"net"
	"testing"

	"github.com/openpva/pvacore/pkg/transport"
)

func newTransportAt(t *testing.T, addr string, priority int16) *transport.Transport {
	t.Helper()
	tr, err := transport.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	tr.SetRemoteAddress(udpAddr)
	tr.SetPriority(priority)
	return tr
}

func TestPutGetRoundTrip(t *testing.T) {
	r := New()
	tr := newTransportAt(t, "192.0.2.1:5075", 1)
	r.Put(tr)

	got := r.Get(tr.RemoteAddress(), 1)
	if got != tr {
		t.Fatalf("Get returned %v, want %v", got, tr)
	}
	if r.NumberOfActiveTransports() != 1 {
		t.Errorf("count = %d, want 1", r.NumberOfActiveTransports())
	}
}

func TestPutReplaceDoesNotIncrementCount(t *testing.T) {
	r := New()
	addr, _ := net.ResolveUDPAddr("udp", "192.0.2.1:5075")

	first := newTransportAt(t, "192.0.2.1:5075", 1)
	r.Put(first)

	second := newTransportAt(t, "192.0.2.1:5075", 1)
	second.SetRemoteAddress(addr)
	r.Put(second)

	if r.NumberOfActiveTransports() != 1 {
		t.Fatalf("count after replace = %d, want 1", r.NumberOfActiveTransports())
	}
	if got := r.Get(addr, 1); got != second {
		t.Fatalf("Get after replace returned %v, want second", got)
	}
}

func TestPutDistinctPrioritiesIncrementCount(t *testing.T) {
	r := New()
	low := newTransportAt(t, "192.0.2.2:5075", 0)
	high := newTransportAt(t, "192.0.2.2:5075", 1)
	// Inserted high-priority-first so a correct implementation must sort
	// rather than rely on insertion order.
	r.Put(high)
	r.Put(low)

	if r.NumberOfActiveTransports() != 2 {
		t.Fatalf("count = %d, want 2", r.NumberOfActiveTransports())
	}
	all := r.GetAll(low.RemoteAddress())
	if len(all) != 2 {
		t.Fatalf("GetAll returned %d transports, want 2", len(all))
	}
	if all[0] != low || all[1] != high {
		t.Fatalf("GetAll order = %v, want [low, high] (priority ascending)", all)
	}
}

func TestRemoveDropsEmptyAddress(t *testing.T) {
	r := New()
	tr := newTransportAt(t, "192.0.2.3:5075", 0)
	r.Put(tr)

	removed := r.Remove(tr)
	if removed != tr {
		t.Fatalf("Remove returned %v, want tr", removed)
	}
	if r.NumberOfActiveTransports() != 0 {
		t.Fatalf("count after remove = %d, want 0", r.NumberOfActiveTransports())
	}
	if got := r.Get(tr.RemoteAddress(), 0); got != nil {
		t.Fatalf("Get after remove = %v, want nil", got)
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	r := New()
	tr := newTransportAt(t, "192.0.2.4:5075", 0)
	if got := r.Remove(tr); got != nil {
		t.Fatalf("Remove of unregistered transport = %v, want nil", got)
	}
}

func TestClearResetsCount(t *testing.T) {
	r := New()
	r.Put(newTransportAt(t, "192.0.2.5:5075", 0))
	r.Put(newTransportAt(t, "192.0.2.6:5075", 0))
	r.Clear()

	if r.NumberOfActiveTransports() != 0 {
		t.Fatalf("count after Clear = %d, want 0", r.NumberOfActiveTransports())
	}
	if r.ToArray() != nil {
		t.Fatalf("ToArray after Clear = %v, want nil", r.ToArray())
	}
}

func TestToArrayCoversEveryAddressAndPriority(t *testing.T) {
	r := New()
	a := newTransportAt(t, "192.0.2.7:5075", 0)
	b := newTransportAt(t, "192.0.2.7:5075", 1)
	c := newTransportAt(t, "192.0.2.8:5075", 0)
	// Inserted priority-1 before priority-0 under the same address so a
	// correct implementation must sort rather than rely on insertion order.
	r.Put(b)
	r.Put(a)
	r.Put(c)

	all := r.ToArray()
	if len(all) != 3 {
		t.Fatalf("ToArray returned %d transports, want 3", len(all))
	}

	var aIdx, bIdx int = -1, -1
	for i, tr := range all {
		if tr == a {
			aIdx = i
		}
		if tr == b {
			bIdx = i
		}
	}
	if aIdx == -1 || bIdx == -1 {
		t.Fatalf("ToArray missing a or b: %v", all)
	}
	if aIdx > bIdx {
		t.Fatalf("ToArray order within 192.0.2.7 = priority 1 before priority 0, want ascending")
	}
}
