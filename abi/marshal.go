package abi

import (
	"fmt"

	"github.com/chazu/burrow/pkg/value"
)

// Host-call argument shapes. A guest encodes its arguments as
// consecutive self-describing values in one byte region; these helpers
// validate the decoded vector against the fixed shape of each call.
//
//	slot.get      [oid, string]
//	slot.set      [oid, string, any]
//	verb.invoke   [oid, string, args...]
//	session.send  [oid, bytes|string]
//	log           [int, string]

// ErrBadShape indicates a host-call argument vector with the wrong
// arity or kinds. It terminates the instance as a trap: a guest that
// cannot form its own call frames is faulty.
var ErrBadShape = fmt.Errorf("abi: malformed host-call arguments: %w", value.ErrTrapped)

// ParseSlotGet validates arguments for slot.get.
func ParseSlotGet(args []value.Value) (value.Oid, string, error) {
	if len(args) != 2 {
		return value.Oid{}, "", ErrBadShape
	}
	obj, ok := args[0].AsRef()
	if !ok {
		return value.Oid{}, "", ErrBadShape
	}
	name, ok := args[1].AsStr()
	if !ok {
		return value.Oid{}, "", ErrBadShape
	}
	return obj, name, nil
}

// ParseSlotSet validates arguments for slot.set.
func ParseSlotSet(args []value.Value) (value.Oid, string, value.Value, error) {
	if len(args) != 3 {
		return value.Oid{}, "", value.Value{}, ErrBadShape
	}
	obj, ok := args[0].AsRef()
	if !ok {
		return value.Oid{}, "", value.Value{}, ErrBadShape
	}
	name, ok := args[1].AsStr()
	if !ok {
		return value.Oid{}, "", value.Value{}, ErrBadShape
	}
	return obj, name, args[2], nil
}

// ParseInvoke validates arguments for verb.invoke. Everything after the
// target oid and verb name is the callee's argument vector.
func ParseInvoke(args []value.Value) (value.Oid, string, []value.Value, error) {
	if len(args) < 2 {
		return value.Oid{}, "", nil, ErrBadShape
	}
	obj, ok := args[0].AsRef()
	if !ok {
		return value.Oid{}, "", nil, ErrBadShape
	}
	verb, ok := args[1].AsStr()
	if !ok {
		return value.Oid{}, "", nil, ErrBadShape
	}
	return obj, verb, args[2:], nil
}

// ParseSend validates arguments for session.send. String payloads are
// passed through as their UTF-8 bytes.
func ParseSend(args []value.Value) (value.Oid, []byte, error) {
	if len(args) != 2 {
		return value.Oid{}, nil, ErrBadShape
	}
	sess, ok := args[0].AsRef()
	if !ok {
		return value.Oid{}, nil, ErrBadShape
	}
	if b, ok := args[1].AsBytes(); ok {
		return sess, b, nil
	}
	if s, ok := args[1].AsStr(); ok {
		return sess, []byte(s), nil
	}
	return value.Oid{}, nil, ErrBadShape
}

// ParseLog validates arguments for log.
func ParseLog(args []value.Value) (int64, string, error) {
	if len(args) != 2 {
		return 0, "", ErrBadShape
	}
	level, ok := args[0].AsInt()
	if !ok {
		return 0, "", ErrBadShape
	}
	msg, ok := args[1].AsStr()
	if !ok {
		return 0, "", ErrBadShape
	}
	return level, msg, nil
}
