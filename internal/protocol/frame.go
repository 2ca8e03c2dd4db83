package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameHeaderSize = 4
	// DefaultMaxFrameSize is the largest payload ReadFrame accepts unless
	// configured otherwise.
	DefaultMaxFrameSize = 1_000_000
)

var (
	// ErrFrameTooLarge is returned when a frame declares a payload above the
	// configured ceiling. Nothing beyond the length prefix has been read.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrShortHeader is returned when the stream ends inside a length prefix.
	ErrShortHeader = errors.New("protocol: short frame header")
)

// ReadFrame reads one length-prefixed payload from r.
//
// It returns io.EOF if r ends before the first prefix byte, ErrShortHeader if
// it ends inside the prefix and io.ErrUnexpectedEOF if it ends inside the
// payload. maxSize <= 0 selects DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(hdr[:])
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w behind its 4-byte little-endian length, in a
// single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteCommand encodes cmd and writes it as one frame.
func WriteCommand(w io.Writer, cmd Command) error {
	payload, err := MarshalCommand(cmd)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadCommand reads one frame and decodes it as a Command.
func ReadCommand(r io.Reader, maxSize int) (Command, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return Command{}, err
	}
	return UnmarshalCommand(payload)
}

// WriteResponse encodes resp and writes it as one frame.
func WriteResponse(w io.Writer, resp Response) error {
	payload, err := MarshalResponse(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads one frame and decodes it as a Response.
func ReadResponse(r io.Reader, maxSize int) (Response, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return Response{}, err
	}
	return UnmarshalResponse(payload)
}
