// Package message implements a binary frame codec for sessions and a router
// that answers inbound requests by frame type.
//
// A frame on the wire is
//
//	type   uint16, big endian; the high bit marks a reply
//	status int16,  big endian
//	seq    32 bytes
//	data   the rest of the message
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	session "github.com/bminer/ws-session-go"
)

const (
	// SeqLen is the fixed length of a frame's sequence id.
	SeqLen = 32
	// HeaderLen is the number of bytes before the payload.
	HeaderLen = 2 + 2 + SeqLen
	// MaxDataLogLength bounds the payload bytes included in log output.
	MaxDataLogLength = 256
	// ReplyFlag is set in the type of every frame built by Reply.
	// Application frame types must stay below it.
	ReplyFlag uint16 = 0x8000
)

// Status values used by Mux. Applications may define their own non-zero
// statuses.
const (
	StatusOK           int16 = 0
	StatusHandlerError int16 = -1
)

var (
	ErrShortFrame = errors.New("frame shorter than header")
	ErrSeqLength  = fmt.Errorf("seq must be %d bytes", SeqLen)
)

// Frame is one message exchanged on a session.
type Frame struct {
	Type     uint16
	Status   int16
	Sequence string
	Data     []byte
}

var _ session.Message = (*Frame)(nil)

// NewSeq returns a fresh 32 character sequence id.
func NewSeq() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewFrame returns a frame of the given type with a fresh seq.
func NewFrame(typ uint16, data []byte) *Frame {
	return &Frame{Type: typ, Sequence: NewSeq(), Data: data}
}

// Reply returns a frame answering f: same seq, and f's type with ReplyFlag
// set.
func (f *Frame) Reply(status int16, data []byte) *Frame {
	return &Frame{Type: f.Type | ReplyFlag, Status: status, Sequence: f.Sequence, Data: data}
}

// IsReply reports whether f answers another frame.
func (f *Frame) IsReply() bool { return f.Type&ReplyFlag != 0 }

// Kind returns the frame type without ReplyFlag.
func (f *Frame) Kind() uint16 { return f.Type &^ ReplyFlag }

// Seq returns the correlation key.
func (f *Frame) Seq() string { return f.Sequence }

// Encode returns the wire form of f.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Sequence) != SeqLen {
		return nil, fmt.Errorf("%w: got %d", ErrSeqLength, len(f.Sequence))
	}
	buf := make([]byte, HeaderLen+len(f.Data))
	binary.BigEndian.PutUint16(buf[0:2], f.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(f.Status))
	copy(buf[4:HeaderLen], f.Sequence)
	copy(buf[HeaderLen:], f.Data)
	return buf, nil
}

// Decode parses data into f. The payload is copied.
func (f *Frame) Decode(data []byte) error {
	if len(data) < HeaderLen {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	f.Type = binary.BigEndian.Uint16(data[0:2])
	f.Status = int16(binary.BigEndian.Uint16(data[2:4]))
	f.Sequence = string(data[4:HeaderLen])
	f.Data = append([]byte(nil), data[HeaderLen:]...)
	return nil
}

func (f *Frame) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("type", int(f.Kind())),
		slog.Bool("reply", f.IsReply()),
		slog.Int("status", int(f.Status)),
		slog.String("seq", f.Sequence),
		slog.Int("size", len(f.Data)),
	}
	if len(f.Data) > MaxDataLogLength {
		// don't split a multi-byte rune
		cut := MaxDataLogLength - 14
		for cut > 0 && !utf8.RuneStart(f.Data[cut]) {
			cut--
		}
		attrs = append(attrs, slog.String(
			"data", string(f.Data[:cut])+"...(truncated)",
		))
	} else {
		attrs = append(attrs, slog.String("data", string(f.Data)))
	}
	return slog.GroupValue(attrs...)
}

// Factory builds empty frames for a session's read loop.
type Factory struct{}

// NewMessage implements session.MessageFactory.
func (Factory) NewMessage() session.Message { return &Frame{} }
