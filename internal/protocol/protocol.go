// Package protocol implements the binary request/response protocol spoken
// between walcache clients and servers.
//
// Every message travels as a frame: a 4-byte little-endian payload length
// followed by the payload. Payloads are protobuf wire format so both sides
// skip fields they do not know.
//
// Command fields:
//
//	1 varint  op
//	2 bytes   key (KEYS: pattern)
//	3 bytes   value (SET only)
//
// Response fields:
//
//	1 varint  kind
//	2 bytes   value (Value only)
//	3 zigzag  count (Count only)
//	4 bytes   key, repeated (KeyList only)
//	5 bytes   error message (Error only)
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/walcache/internal/kverr"
)

// Op is a command opcode.
type Op uint8

// Supported commands.
const (
	OpSet  Op = 1
	OpGet  Op = 2
	OpPop  Op = 3
	OpDel  Op = 4
	OpKeys Op = 5
	OpLen  Op = 6
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpGet:
		return "GET"
	case OpPop:
		return "POP"
	case OpDel:
		return "DEL"
	case OpKeys:
		return "KEYS"
	case OpLen:
		return "LEN"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// Kind is a response variant.
type Kind uint8

// Response variants.
const (
	KindAck     Kind = 1
	KindValue   Kind = 2
	KindAbsent  Kind = 3
	KindCount   Kind = 4
	KindKeyList Kind = 5
	KindError   Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "Ack"
	case KindValue:
		return "Value"
	case KindAbsent:
		return "Absent"
	case KindCount:
		return "Count"
	case KindKeyList:
		return "KeyList"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var (
	// ErrUnknownOp reports a command with an opcode this version does not know.
	ErrUnknownOp = errors.New("protocol: unknown op")
	// ErrUnknownKind reports a response variant this version does not know.
	ErrUnknownKind = errors.New("protocol: unknown response kind")
	// ErrMissingField reports a payload without a field its variant requires.
	ErrMissingField = errors.New("protocol: missing field")
)

// Command is a client request. Key carries the pattern for OpKeys and is
// unused for OpLen; Value is used by OpSet only.
type Command struct {
	Op    Op
	Key   string
	Value []byte
}

// Set builds a SET command.
func Set(key string, value []byte) Command { return Command{Op: OpSet, Key: key, Value: value} }

// Get builds a GET command.
func Get(key string) Command { return Command{Op: OpGet, Key: key} }

// Pop builds a POP command.
func Pop(key string) Command { return Command{Op: OpPop, Key: key} }

// Del builds a DEL command.
func Del(key string) Command { return Command{Op: OpDel, Key: key} }

// Keys builds a KEYS command.
func Keys(pattern string) Command { return Command{Op: OpKeys, Key: pattern} }

// Len builds a LEN command.
func Len() Command { return Command{Op: OpLen} }

// Response is a server reply. Which field is meaningful depends on Kind.
type Response struct {
	Kind    Kind
	Value   []byte
	Count   int64
	Keys    []string
	Message string
}

// Ack builds an Ack response.
func Ack() Response { return Response{Kind: KindAck} }

// Value builds a Value response.
func Value(v []byte) Response { return Response{Kind: KindValue, Value: v} }

// Absent builds an Absent response.
func Absent() Response { return Response{Kind: KindAbsent} }

// Count builds a Count response.
func Count(n int64) Response { return Response{Kind: KindCount, Count: n} }

// KeyList builds a KeyList response.
func KeyList(keys []string) Response { return Response{Kind: KindKeyList, Keys: keys} }

// Error builds an Error response carrying msg.
func Error(msg string) Response { return Response{Kind: KindError, Message: msg} }

const (
	fieldOp    protowire.Number = 1
	fieldKey   protowire.Number = 2
	fieldValue protowire.Number = 3
)

const (
	fieldKind     protowire.Number = 1
	fieldRespVal  protowire.Number = 2
	fieldCount    protowire.Number = 3
	fieldKeys     protowire.Number = 4
	fieldErrorMsg protowire.Number = 5
)

// MarshalCommand encodes cmd as a frame payload.
func MarshalCommand(cmd Command) ([]byte, error) {
	buf := make([]byte, 0, 8+len(cmd.Key)+len(cmd.Value))
	buf = protowire.AppendTag(buf, fieldOp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cmd.Op))

	switch cmd.Op {
	case OpSet:
		buf = appendBytesField(buf, fieldKey, []byte(cmd.Key))
		buf = appendBytesField(buf, fieldValue, cmd.Value)
	case OpGet, OpPop, OpDel, OpKeys:
		buf = appendBytesField(buf, fieldKey, []byte(cmd.Key))
	case OpLen:
	default:
		return nil, kverr.SerializationError("encode command", fmt.Errorf("%w: %d", ErrUnknownOp, cmd.Op))
	}
	return buf, nil
}

// UnmarshalCommand decodes a payload produced by MarshalCommand.
func UnmarshalCommand(b []byte) (Command, error) {
	var (
		cmd                     Command
		hasOp, hasKey, hasValue bool
		key, value              []byte
	)
	decodeErr := func(err error) error { return kverr.SerializationError("decode command", err) }

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Command{}, decodeErr(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Command{}, decodeErr(protowire.ParseError(m))
			}
			cmd.Op, hasOp, n = Op(v), true, m
			if v > 0xff {
				return Command{}, decodeErr(fmt.Errorf("%w: %d", ErrUnknownOp, v))
			}
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Command{}, decodeErr(protowire.ParseError(m))
			}
			key, hasKey, n = v, true, m
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Command{}, decodeErr(protowire.ParseError(m))
			}
			value, hasValue, n = v, true, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Command{}, decodeErr(protowire.ParseError(n))
			}
		}
		b = b[n:]
	}

	if !hasOp {
		return Command{}, decodeErr(fmt.Errorf("%w: op", ErrMissingField))
	}
	switch cmd.Op {
	case OpSet:
		if !hasKey || !hasValue {
			return Command{}, decodeErr(fmt.Errorf("%w: SET needs key and value", ErrMissingField))
		}
		cmd.Key = string(key)
		cmd.Value = append([]byte{}, value...)
	case OpGet, OpPop, OpDel, OpKeys:
		if !hasKey {
			return Command{}, decodeErr(fmt.Errorf("%w: %s needs a key", ErrMissingField, cmd.Op))
		}
		cmd.Key = string(key)
	case OpLen:
	default:
		return Command{}, decodeErr(fmt.Errorf("%w: %d", ErrUnknownOp, cmd.Op))
	}
	return cmd, nil
}

// MarshalResponse encodes resp as a frame payload.
func MarshalResponse(resp Response) ([]byte, error) {
	buf := make([]byte, 0, 8+len(resp.Value)+len(resp.Message))
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(resp.Kind))

	switch resp.Kind {
	case KindAck, KindAbsent:
	case KindValue:
		buf = appendBytesField(buf, fieldRespVal, resp.Value)
	case KindCount:
		buf = protowire.AppendTag(buf, fieldCount, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(resp.Count))
	case KindKeyList:
		for _, k := range resp.Keys {
			buf = appendBytesField(buf, fieldKeys, []byte(k))
		}
	case KindError:
		buf = appendBytesField(buf, fieldErrorMsg, []byte(resp.Message))
	default:
		return nil, kverr.SerializationError("encode response", fmt.Errorf("%w: %d", ErrUnknownKind, resp.Kind))
	}
	return buf, nil
}

// UnmarshalResponse decodes a payload produced by MarshalResponse.
func UnmarshalResponse(b []byte) (Response, error) {
	var (
		resp                        Response
		hasKind, hasValue, hasCount bool
	)
	decodeErr := func(err error) error { return kverr.SerializationError("decode response", err) }

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Response{}, decodeErr(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Response{}, decodeErr(protowire.ParseError(m))
			}
			if v > 0xff {
				return Response{}, decodeErr(fmt.Errorf("%w: %d", ErrUnknownKind, v))
			}
			resp.Kind, hasKind, n = Kind(v), true, m
		case num == fieldRespVal && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Response{}, decodeErr(protowire.ParseError(m))
			}
			resp.Value, hasValue, n = append([]byte{}, v...), true, m
		case num == fieldCount && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Response{}, decodeErr(protowire.ParseError(m))
			}
			resp.Count, hasCount, n = protowire.DecodeZigZag(v), true, m
		case num == fieldKeys && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Response{}, decodeErr(protowire.ParseError(m))
			}
			resp.Keys, n = append(resp.Keys, string(v)), m
		case num == fieldErrorMsg && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Response{}, decodeErr(protowire.ParseError(m))
			}
			resp.Message, n = string(v), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Response{}, decodeErr(protowire.ParseError(n))
			}
		}
		b = b[n:]
	}

	if !hasKind {
		return Response{}, decodeErr(fmt.Errorf("%w: kind", ErrMissingField))
	}
	switch resp.Kind {
	case KindAck, KindAbsent, KindError:
	case KindValue:
		if !hasValue {
			return Response{}, decodeErr(fmt.Errorf("%w: value", ErrMissingField))
		}
	case KindCount:
		if !hasCount {
			return Response{}, decodeErr(fmt.Errorf("%w: count", ErrMissingField))
		}
	case KindKeyList:
		if resp.Keys == nil {
			resp.Keys = []string{}
		}
	default:
		return Response{}, decodeErr(fmt.Errorf("%w: %d", ErrUnknownKind, resp.Kind))
	}
	return resp, nil
}

func appendBytesField(buf []byte, num protowire.Number, v []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, v)
}
