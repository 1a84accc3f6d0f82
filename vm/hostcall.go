package vm

import (
	"errors"

	"github.com/chazu/burrow/abi"
	"github.com/chazu/burrow/pkg/value"
)

// hostCallFuel is the flat surcharge per host call on top of the
// per-instruction cost, plus one fuel per argument byte crossing the
// boundary.
const hostCallFuel = 64

// hostCall reads the args region, dispatches to the host, and writes
// the reply above the allocator mark. Failures the guest can recover
// from come back as an encoded error value; a non-nil error from here
// tears the instance down.
func (in *Instance) hostCall(id abi.HostCall, argsRegion abi.Region) (abi.Region, error) {
	if !id.Valid() {
		return 0, trapf("unknown host call %d", uint8(id))
	}
	if !in.budget.consume(hostCallFuel + int64(argsRegion.Len())) {
		return 0, &ExecError{Fault: FaultFuel, Detail: "during " + id.String()}
	}

	capName := id.Capability()
	if !in.declared[capName] || !in.grants.Has(capName) {
		in.log.Debugf("host call %s refused: capability not held", id)
		return in.reply(value.Errv(value.CodePermissionDenied))
	}

	raw, err := in.read(argsRegion)
	if err != nil {
		return 0, err
	}
	args, err := value.DecodeAll(raw)
	if err != nil {
		return 0, trapf("malformed %s arguments: %s", id, err.Error())
	}

	result, err := in.dispatch(id, args)
	if err != nil {
		if errors.Is(err, abi.ErrBadShape) {
			return 0, trapf("%s: %s", id, err.Error())
		}
		return 0, err
	}
	return in.reply(result)
}

func (in *Instance) dispatch(id abi.HostCall, args []value.Value) (value.Value, error) {
	switch id {
	case abi.HostSlotGet:
		obj, name, err := abi.ParseSlotGet(args)
		if err != nil {
			return value.Value{}, err
		}
		return in.host.SlotGet(obj, name)

	case abi.HostSlotSet:
		obj, name, v, err := abi.ParseSlotSet(args)
		if err != nil {
			return value.Value{}, err
		}
		return in.host.SlotSet(obj, name, v)

	case abi.HostInvoke:
		obj, verb, verbArgs, err := abi.ParseInvoke(args)
		if err != nil {
			return value.Value{}, err
		}
		return in.host.InvokeVerb(obj, verb, verbArgs)

	case abi.HostSend:
		sess, payload, err := abi.ParseSend(args)
		if err != nil {
			return value.Value{}, err
		}
		return in.host.SessionSend(sess, payload)

	case abi.HostLog:
		level, msg, err := abi.ParseLog(args)
		if err != nil {
			return value.Value{}, err
		}
		in.host.Log(level, msg)
		return value.Int(0), nil
	}
	return value.Value{}, trapf("unknown host call %d", uint8(id))
}

// reply encodes a value into freshly allocated guest memory.
func (in *Instance) reply(v value.Value) (abi.Region, error) {
	enc := value.Encode(v)
	reg, err := in.alloc(len(enc))
	if err != nil {
		return 0, err
	}
	copy(in.mem[reg.Off():], enc)
	return reg, nil
}
