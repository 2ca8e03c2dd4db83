package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/walcache/internal/kverr"
)

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func frameHeader(n uint32) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], n)
	return hdr[:]
}

func TestReadFrame_RejectsOversizedLengthBeforeReadingBody(t *testing.T) {
	t.Parallel()

	stream := append(frameHeader(DefaultMaxFrameSize+1), bytes.Repeat([]byte{0xaa}, 64)...)
	r := &countingReader{r: bytes.NewReader(stream)}

	_, err := ReadFrame(r, DefaultMaxFrameSize)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if r.n != 4 {
		t.Fatalf("expected only the 4-byte prefix to be consumed, read %d bytes", r.n)
	}
}

func TestReadFrame_AcceptsFrameAtCeiling(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x01}, DefaultMaxFrameSize)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	got, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if len(got) != DefaultMaxFrameSize {
		t.Fatalf("payload length = %d, want %d", len(got), DefaultMaxFrameSize)
	}
}

func TestReadFrame_StreamEnds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stream []byte
		want   error
	}{
		{name: "before prefix", stream: nil, want: io.EOF},
		{name: "inside prefix", stream: []byte{0x03, 0x00}, want: ErrShortHeader},
		{name: "inside body", stream: append(frameHeader(5), 'a', 'b'), want: io.ErrUnexpectedEOF},
		{name: "prefix only", stream: frameHeader(5), want: io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.stream), DefaultMaxFrameSize)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReadFrame_EmptyPayload(t *testing.T) {
	t.Parallel()

	got, err := ReadFrame(bytes.NewReader(frameHeader(0)), DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %v", got)
	}
}

func TestWriteFrame_LittleEndianPrefix(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	want := append([]byte{5, 0, 0, 0}, "hello"...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("frame = %v, want %v", buf.Bytes(), want)
	}
}

func TestCommand_RoundTripOverFrames(t *testing.T) {
	t.Parallel()

	cmds := []Command{
		Set("bin\x00key", []byte{0x00, 0xff, 0x10}),
		Set("", []byte{}),
		Get("k"),
		Pop("k"),
		Del(""),
		Keys("user:*"),
		Len(),
	}

	var buf bytes.Buffer
	for _, cmd := range cmds {
		if err := WriteCommand(&buf, cmd); err != nil {
			t.Fatalf("WriteCommand(%v) error = %v", cmd.Op, err)
		}
	}
	for _, want := range cmds {
		got, err := ReadCommand(&buf, DefaultMaxFrameSize)
		if err != nil {
			t.Fatalf("ReadCommand() error = %v", err)
		}
		if got.Op != want.Op || got.Key != want.Key || !bytes.Equal(got.Value, want.Value) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
	if _, err := ReadCommand(&buf, DefaultMaxFrameSize); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after last frame, got %v", err)
	}
}

func TestResponse_RoundTripOverFrames(t *testing.T) {
	t.Parallel()

	resps := []Response{
		Ack(),
		Value([]byte{0, 1, 2}),
		Value([]byte{}),
		Absent(),
		Count(0),
		Count(-7),
		KeyList([]string{"a:1", "a:\x00"}),
		KeyList([]string{}),
		Error("wal append failed"),
	}

	var buf bytes.Buffer
	for _, resp := range resps {
		if err := WriteResponse(&buf, resp); err != nil {
			t.Fatalf("WriteResponse(%v) error = %v", resp.Kind, err)
		}
	}
	for _, want := range resps {
		got, err := ReadResponse(&buf, DefaultMaxFrameSize)
		if err != nil {
			t.Fatalf("ReadResponse() error = %v", err)
		}
		if got.Kind != want.Kind || got.Count != want.Count || got.Message != want.Message {
			t.Fatalf("got %+v, want %+v", got, want)
		}
		if want.Kind == KindValue && !bytes.Equal(got.Value, want.Value) {
			t.Fatalf("value = %v, want %v", got.Value, want.Value)
		}
		if want.Kind == KindKeyList && !reflect.DeepEqual(got.Keys, want.Keys) {
			t.Fatalf("keys = %#v, want %#v", got.Keys, want.Keys)
		}
	}
}

func TestUnmarshalCommand_SkipsUnknownFields(t *testing.T) {
	t.Parallel()

	payload, err := MarshalCommand(Get("k"))
	if err != nil {
		t.Fatalf("MarshalCommand() error = %v", err)
	}
	payload = protowire.AppendTag(payload, 42, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("future"))
	payload = protowire.AppendTag(payload, 43, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 7)

	cmd, err := UnmarshalCommand(payload)
	if err != nil {
		t.Fatalf("UnmarshalCommand() error = %v", err)
	}
	if cmd.Op != OpGet || cmd.Key != "k" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestUnmarshalCommand_Rejects(t *testing.T) {
	t.Parallel()

	opOnly := func(op uint64) []byte {
		b := protowire.AppendTag(nil, 1, protowire.VarintType)
		return protowire.AppendVarint(b, op)
	}

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{name: "empty payload", payload: nil, want: ErrMissingField},
		{name: "unknown op", payload: opOnly(99), want: ErrUnknownOp},
		{name: "get without key", payload: opOnly(uint64(OpGet)), want: ErrMissingField},
		{name: "set without value", payload: protowire.AppendBytes(protowire.AppendTag(opOnly(uint64(OpSet)), 2, protowire.BytesType), []byte("k")), want: ErrMissingField},
		{name: "truncated varint", payload: []byte{0x08, 0x80}},
		{name: "garbage", payload: []byte{0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalCommand(tt.payload)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !kverr.Is(err, kverr.Serialization) {
				t.Fatalf("expected serialization kind, got %v", err)
			}
		})
	}
}

func TestUnmarshalResponse_Rejects(t *testing.T) {
	t.Parallel()

	kindOnly := func(kind uint64) []byte {
		b := protowire.AppendTag(nil, 1, protowire.VarintType)
		return protowire.AppendVarint(b, kind)
	}

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{name: "no kind", payload: nil, want: ErrMissingField},
		{name: "unknown kind", payload: kindOnly(77), want: ErrUnknownKind},
		{name: "value without bytes", payload: kindOnly(uint64(KindValue)), want: ErrMissingField},
		{name: "count without number", payload: kindOnly(uint64(KindCount)), want: ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalResponse(tt.payload)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !kverr.Is(err, kverr.Serialization) {
				t.Fatalf("expected serialization kind, got %v", err)
			}
		})
	}
}

func TestMarshal_RejectsUnknownVariants(t *testing.T) {
	t.Parallel()

	if _, err := MarshalCommand(Command{Op: Op(200)}); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
	if _, err := MarshalResponse(Response{Kind: Kind(200)}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
