// Package introspect defines the narrow collaborator interfaces the core
// uses to serialize typed field descriptors without understanding them.
// The real introspection registry — which knows how to describe and encode
// arbitrary structured PV types — lives outside this module's scope; this
// package only fixes the shape the beacon emitter depends on.
package introspect

import "github.com/openpva/pvacore/pkg/wire"

// Field is an opaque typed field descriptor produced by a server's
// introspection registry. The core never inspects its contents; it only
// hands it to a Serializer.
type Field interface{}

// Serializer encodes a Field descriptor onto the wire. Implementations are
// supplied by the server; a nil Field must be encoded as the null-descriptor
// form so a peer can distinguish "no status" from "status of type X".
type Serializer interface {
	SerializeFull(field Field, buf *wire.Buffer) error
}

// NullSerializer is a minimal Serializer for servers that run without a
// full introspection registry wired in. It has no knowledge of real field
// types; it only distinguishes "no field" from "some field" so the beacon
// wire format stays well-formed.
type NullSerializer struct{}

// SerializeFull writes a single marker byte: 0 for a nil Field, 1 otherwise.
func (NullSerializer) SerializeFull(field Field, buf *wire.Buffer) error {
	if field == nil {
		return buf.PutByte(0)
	}
	return buf.PutByte(1)
}

// StatusProvider supplies optional server status data for beacon payloads.
// ServerStatus returns a nil Field when no status is currently available,
// in which case Value is ignored.
type StatusProvider interface {
	ServerStatus() (field Field, value []byte, err error)
}
