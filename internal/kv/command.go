// Package kv implements the in-memory key-value store and the mutation
// records that are written to the WAL and replayed into it.
package kv

// CommandType identifies a mutating KV operation recorded in the WAL.
type CommandType uint8

// Supported KV mutations. Reads are never recorded.
const (
	SetCmd    CommandType = 1
	DeleteCmd CommandType = 2
	PopCmd    CommandType = 3
)

func (t CommandType) String() string {
	switch t {
	case SetCmd:
		return "set"
	case DeleteCmd:
		return "delete"
	case PopCmd:
		return "pop"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known mutation.
func (t CommandType) Valid() bool {
	return t == SetCmd || t == DeleteCmd || t == PopCmd
}

// Command is a single mutation applied to the store.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

// Result is the outcome of applying a Command.
type Result struct {
	Value []byte
	Found bool
	Count int64
}
