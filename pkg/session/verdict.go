// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

// Action is the kind of a Verdict.
type Action int

const (
	// ActionPass relays the original chunk unchanged.
	ActionPass Action = iota

	// ActionForward relays the Verdict's data instead of the chunk.
	ActionForward

	// ActionDrop relays nothing.
	ActionDrop
)

// String returns a string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionForward:
		return "forward"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Verdict is a hook's decision about one chunk.
type Verdict struct {
	Action Action
	Data   []byte
}

// Forward replaces the chunk with data. A zero-length data writes nothing
// but is still reported as a forward.
func Forward(data []byte) Verdict {
	return Verdict{Action: ActionForward, Data: data}
}

// Pass relays the chunk unchanged.
func Pass() Verdict {
	return Verdict{Action: ActionPass}
}

// Drop discards the chunk.
func Drop() Verdict {
	return Verdict{Action: ActionDrop}
}

// Apply resolves the bytes to write for chunk. ok is false when nothing
// should be written.
func (v Verdict) Apply(chunk []byte) (out []byte, ok bool) {
	switch v.Action {
	case ActionPass:
		return chunk, len(chunk) > 0
	case ActionForward:
		return v.Data, len(v.Data) > 0
	default:
		return nil, false
	}
}
