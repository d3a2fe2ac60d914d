package tftpwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(o))
	}
}

type ErrorCode uint16

const (
	ErrCodeUndefined         ErrorCode = 0
	ErrCodeFileNotFound      ErrorCode = 1
	ErrCodeAccessViolation   ErrorCode = 2
	ErrCodeDiskFull          ErrorCode = 3
	ErrCodeIllegalOperation  ErrorCode = 4
	ErrCodeUnknownTID        ErrorCode = 5
	ErrCodeFileAlreadyExists ErrorCode = 6
	ErrCodeNoSuchUser        ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUndefined:
		return "undefined"
	case ErrCodeFileNotFound:
		return "file not found"
	case ErrCodeAccessViolation:
		return "access violation"
	case ErrCodeDiskFull:
		return "disk full"
	case ErrCodeIllegalOperation:
		return "illegal operation"
	case ErrCodeUnknownTID:
		return "unknown transfer id"
	case ErrCodeFileAlreadyExists:
		return "file already exists"
	case ErrCodeNoSuchUser:
		return "no such user"
	default:
		return fmt.Sprintf("error code %d", uint16(c))
	}
}

type TransferMode string

const (
	ModeOctet    TransferMode = "octet"
	ModeNetASCII TransferMode = "netascii"
)

const (
	BlockSize     = 512
	HeaderLen     = 4
	MaxPacketSize = HeaderLen + BlockSize
)

var (
	ErrPacketTooShort  = errors.New("packet too short")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrUnsupportedMode = errors.New("unsupported transfer mode")
	ErrMissingNul      = errors.New("missing NUL terminator")
	ErrPayloadTooLarge = errors.New("payload exceeds block size")
	ErrBufferTooSmall  = errors.New("buffer too small")
)

// Packet is one decoded TFTP datagram.
type Packet interface {
	Opcode() Opcode
	Len() int
	Encode(dst []byte) (int, error)
}

// Request is an RRQ or WRQ. Options trailing the mode field are ignored.
type Request struct {
	Op       Opcode
	Filename string
	Mode     TransferMode
}

func (r *Request) Opcode() Opcode { return r.Op }

func (r *Request) Len() int {
	return 2 + len(r.Filename) + 1 + len(r.Mode) + 1
}

func (r *Request) Encode(dst []byte) (int, error) {
	if r.Op != OpRRQ && r.Op != OpWRQ {
		return 0, fmt.Errorf("%w: %s is not a request", ErrUnknownOpcode, r.Op)
	}
	need := r.Len()
	if len(dst) < need {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(r.Op))
	off := 2
	off += copy(dst[off:], r.Filename)
	dst[off] = 0
	off++
	off += copy(dst[off:], r.Mode)
	dst[off] = 0
	off++
	return off, nil
}

func (r *Request) Decode(src []byte) error {
	if len(src) < 4 {
		return ErrPacketTooShort
	}
	op := Opcode(binary.BigEndian.Uint16(src[0:2]))
	if op != OpRRQ && op != OpWRQ {
		return fmt.Errorf("%w: %s is not a request", ErrUnknownOpcode, op)
	}
	rest := src[2:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return fmt.Errorf("filename: %w", ErrMissingNul)
	}
	filename := string(rest[:end])
	rest = rest[end+1:]
	end = bytes.IndexByte(rest, 0)
	if end < 0 {
		return fmt.Errorf("mode: %w", ErrMissingNul)
	}
	mode, err := ParseMode(string(rest[:end]))
	if err != nil {
		return err
	}
	r.Op = op
	r.Filename = filename
	r.Mode = mode
	return nil
}

// Data carries one block. A payload shorter than BlockSize ends the transfer.
type Data struct {
	Block   uint16
	Payload []byte
}

func (d *Data) Opcode() Opcode { return OpDATA }
func (d *Data) Len() int       { return HeaderLen + len(d.Payload) }

func (d *Data) Encode(dst []byte) (int, error) {
	if len(d.Payload) > BlockSize {
		return 0, ErrPayloadTooLarge
	}
	need := d.Len()
	if len(dst) < need {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(dst[2:4], d.Block)
	copy(dst[HeaderLen:], d.Payload)
	return need, nil
}

// Decode aliases src; callers that keep the payload past the next receive
// must copy it.
func (d *Data) Decode(src []byte) error {
	if len(src) < HeaderLen {
		return ErrPacketTooShort
	}
	if Opcode(binary.BigEndian.Uint16(src[0:2])) != OpDATA {
		return fmt.Errorf("%w: expected DATA", ErrUnknownOpcode)
	}
	if len(src)-HeaderLen > BlockSize {
		return ErrPayloadTooLarge
	}
	d.Block = binary.BigEndian.Uint16(src[2:4])
	d.Payload = src[HeaderLen:]
	return nil
}

type Ack struct {
	Block uint16
}

func (a *Ack) Opcode() Opcode { return OpACK }
func (a *Ack) Len() int       { return HeaderLen }

func (a *Ack) Encode(dst []byte) (int, error) {
	if len(dst) < HeaderLen {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(dst[2:4], a.Block)
	return HeaderLen, nil
}

func (a *Ack) Decode(src []byte) error {
	if len(src) < HeaderLen {
		return ErrPacketTooShort
	}
	if Opcode(binary.BigEndian.Uint16(src[0:2])) != OpACK {
		return fmt.Errorf("%w: expected ACK", ErrUnknownOpcode)
	}
	a.Block = binary.BigEndian.Uint16(src[2:4])
	return nil
}

// ErrorPacket doubles as a Go error so a peer's ERROR can be returned as-is.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

func (e *ErrorPacket) Opcode() Opcode { return OpERROR }
func (e *ErrorPacket) Len() int       { return HeaderLen + len(e.Message) + 1 }

func (e *ErrorPacket) Error() string {
	if e.Message == "" {
		return "tftp: " + e.Code.String()
	}
	return fmt.Sprintf("tftp: %s: %s", e.Code, e.Message)
}

func (e *ErrorPacket) Encode(dst []byte) (int, error) {
	need := e.Len()
	if len(dst) < need {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(dst[2:4], uint16(e.Code))
	n := copy(dst[HeaderLen:], e.Message)
	dst[HeaderLen+n] = 0
	return need, nil
}

func (e *ErrorPacket) Decode(src []byte) error {
	if len(src) < HeaderLen {
		return ErrPacketTooShort
	}
	if Opcode(binary.BigEndian.Uint16(src[0:2])) != OpERROR {
		return fmt.Errorf("%w: expected ERROR", ErrUnknownOpcode)
	}
	e.Code = ErrorCode(binary.BigEndian.Uint16(src[2:4]))
	msg := src[HeaderLen:]
	// Some clients omit the trailing NUL; accept the message either way.
	if i := bytes.IndexByte(msg, 0); i >= 0 {
		msg = msg[:i]
	}
	e.Message = string(msg)
	return nil
}

func ParseMode(s string) (TransferMode, error) {
	switch TransferMode(strings.ToLower(s)) {
	case ModeOctet:
		return ModeOctet, nil
	case ModeNetASCII:
		return ModeNetASCII, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// Parse decodes a datagram into its typed packet.
func Parse(src []byte) (Packet, error) {
	if len(src) < 2 {
		return nil, ErrPacketTooShort
	}
	switch op := Opcode(binary.BigEndian.Uint16(src[0:2])); op {
	case OpRRQ, OpWRQ:
		var r Request
		if err := r.Decode(src); err != nil {
			return nil, err
		}
		return &r, nil
	case OpDATA:
		var d Data
		if err := d.Decode(src); err != nil {
			return nil, err
		}
		return &d, nil
	case OpACK:
		var a Ack
		if err := a.Decode(src); err != nil {
			return nil, err
		}
		return &a, nil
	case OpERROR:
		var e ErrorPacket
		if err := e.Decode(src); err != nil {
			return nil, err
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint16(op))
	}
}

// Marshal encodes p into a freshly allocated datagram.
func Marshal(p Packet) ([]byte, error) {
	buf := make([]byte, p.Len())
	n, err := p.Encode(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
