package wal

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/walcache/internal/kv"
)

// Record field numbers. The payload is protobuf wire format so unknown fields
// from newer writers are skipped instead of breaking replay.
const (
	fieldType  protowire.Number = 1
	fieldKey   protowire.Number = 2
	fieldValue protowire.Number = 3
)

var errMissingType = errors.New("wal: record has no type")

// EncodeRecord serializes cmd as a WAL record payload.
func EncodeRecord(cmd kv.Command) ([]byte, error) {
	if !cmd.Type.Valid() {
		return nil, fmt.Errorf("wal: cannot encode record type %d", cmd.Type)
	}
	buf := make([]byte, 0, 8+len(cmd.Key)+len(cmd.Value))
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cmd.Type))
	buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
	buf = protowire.AppendString(buf, cmd.Key)
	if cmd.Type == kv.SetCmd {
		buf = protowire.AppendTag(buf, fieldValue, protowire.BytesType)
		buf = protowire.AppendBytes(buf, cmd.Value)
	}
	return buf, nil
}

// DecodeRecord parses a payload produced by EncodeRecord.
func DecodeRecord(b []byte) (kv.Command, error) {
	var cmd kv.Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return kv.Command{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return kv.Command{}, protowire.ParseError(m)
			}
			cmd.Type = kv.CommandType(v)
			n = m
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return kv.Command{}, protowire.ParseError(m)
			}
			cmd.Key = string(v)
			n = m
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return kv.Command{}, protowire.ParseError(m)
			}
			cmd.Value = append([]byte{}, v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return kv.Command{}, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}

	if cmd.Type == 0 {
		return kv.Command{}, errMissingType
	}
	if !cmd.Type.Valid() {
		return kv.Command{}, fmt.Errorf("wal: unknown record type %d", cmd.Type)
	}
	if cmd.Type == kv.SetCmd && cmd.Value == nil {
		cmd.Value = []byte{}
	}
	return cmd, nil
}
