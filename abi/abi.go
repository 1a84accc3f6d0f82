// Package abi fixes the contract between the host and sandboxed verbs:
// the host-call set, its capability names, the byte-region argument
// convention, and the grant sets that gate instantiation. Both the VM
// and the engine program against this package, never against each other
// directly.
package abi

import (
	"fmt"

	"github.com/chazu/burrow/pkg/value"
)

// Capability names, one per host call. A verb module declares the subset
// it needs in its header; the invocation context grants a (possibly
// smaller) set, and the VM refuses to instantiate when the declaration
// is not covered.
const (
	CapSlotGet = "slot.get"
	CapSlotSet = "slot.set"
	CapInvoke  = "verb.invoke"
	CapSend    = "session.send"
	CapLog     = "log"
)

// HostCall identifies one function on the host-call surface. The ids are
// operands of the hostcall opcode and are part of the verb binary format.
type HostCall uint8

const (
	HostSlotGet HostCall = 1
	HostSlotSet HostCall = 2
	HostInvoke  HostCall = 3
	HostSend    HostCall = 4
	HostLog     HostCall = 5
)

// Capability returns the capability name gating this call.
func (h HostCall) Capability() string {
	switch h {
	case HostSlotGet:
		return CapSlotGet
	case HostSlotSet:
		return CapSlotSet
	case HostInvoke:
		return CapInvoke
	case HostSend:
		return CapSend
	case HostLog:
		return CapLog
	}
	return ""
}

// String returns the call's capability name, or a numeric form for
// unknown ids.
func (h HostCall) String() string {
	if s := h.Capability(); s != "" {
		return s
	}
	return fmt.Sprintf("hostcall(%d)", uint8(h))
}

// Valid reports whether h names a defined host call.
func (h HostCall) Valid() bool {
	return h.Capability() != ""
}

// Grants is the set of capabilities permitted to an invocation context.
type Grants map[string]bool

// NewGrants builds a grant set from capability names.
func NewGrants(caps ...string) Grants {
	g := make(Grants, len(caps))
	for _, c := range caps {
		g[c] = true
	}
	return g
}

// FullGrants grants every capability. Top-level session dispatches run
// with this.
func FullGrants() Grants {
	return NewGrants(CapSlotGet, CapSlotSet, CapInvoke, CapSend, CapLog)
}

// ComputeGrants grants only the side-effect-free subset: slot reads,
// nested invocation, and logging. Suitable for verbs invoked as pure
// computations.
func ComputeGrants() Grants {
	return NewGrants(CapSlotGet, CapInvoke, CapLog)
}

// Has reports whether the capability is granted.
func (g Grants) Has(cap string) bool {
	return g[cap]
}

// Covers verifies that every declared capability is granted, returning
// an error naming the first uncovered capability.
func (g Grants) Covers(declared []string) error {
	for _, c := range declared {
		if !g[c] {
			return fmt.Errorf("abi: capability %q is not granted: %w", c, value.ErrPermissionDenied)
		}
	}
	return nil
}

// Names returns the granted capability names, unsorted.
func (g Grants) Names() []string {
	out := make([]string, 0, len(g))
	for c, ok := range g {
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// Host is the surface a running verb reaches through host calls. The
// engine implements it against the invocation's transaction; the VM
// dispatches to it after grant checks.
//
// Each method returns the guest-visible result as a value: on failure a
// value of KindError that the guest can inspect and recover from. The
// separate error return is reserved for faults the guest must not
// swallow (budget exhaustion inside a nested invocation, store I/O
// failure); a non-nil error tears the VM instance down.
type Host interface {
	SlotGet(obj value.Oid, name string) (value.Value, error)
	SlotSet(obj value.Oid, name string, v value.Value) (value.Value, error)
	InvokeVerb(obj value.Oid, verb string, args []value.Value) (value.Value, error)
	SessionSend(sess value.Oid, payload []byte) (value.Value, error)
	Log(level int64, msg string)
}

// Region is an (offset, length) handle into guest linear memory, packed
// into one stack word: offset in the high 32 bits, length in the low 32.
// Regions are how byte payloads cross the call boundary; strings and
// sequences inside them are length-prefixed, never null-terminated.
type Region uint64

// NewRegion packs an offset and length into a region handle.
func NewRegion(off, length uint32) Region {
	return Region(uint64(off)<<32 | uint64(length))
}

// Off returns the region's offset into guest memory.
func (r Region) Off() uint32 { return uint32(r >> 32) }

// Len returns the region's byte length.
func (r Region) Len() uint32 { return uint32(r) }
