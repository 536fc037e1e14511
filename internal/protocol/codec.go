package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Truncated is returned when a short read (including EOF on a field that
// must be non-empty) interrupts a framed field read; field reads either
// block until complete or fail with Truncated.
var Truncated = errors.New("protocol: truncated read")

// ErrUnexpectedOpcode is returned by callers that read an opcode outside
// the set they expected at that point in the protocol.
var ErrUnexpectedOpcode = errors.New("protocol: unexpected opcode")

// MaxHolders bounds the holder list NEIGHBOURS_REPLY/SEARCH_REQUEST/
// SEARCH_REPLY carry: the count field is one byte, so at most 255.
const MaxHolders = 255

// ReadOpcode reads the one-byte leading opcode of a packet.
func ReadOpcode(r io.Reader) (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncate(err)
	}
	return Opcode(b[0]), nil
}

// WriteOpcode writes op as the one-byte leading opcode of a packet.
func WriteOpcode(w io.Writer, op Opcode) error {
	_, err := w.Write([]byte{byte(op)})
	return err
}

// writeString writes a length-prefixed string: one byte giving the length
// L (0-255), followed by L bytes of payload.
func writeString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("protocol: string %q exceeds 255 bytes", s)
	}
	if _, err := w.Write([]byte{byte(len(s))}); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// readString reads a length-prefixed string written by writeString.
func readString(r io.Reader) (string, error) {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", truncate(err)
	}
	n := int(lb[0])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", truncate(err)
	}
	return string(buf), nil
}

// writeUint8 writes a single-byte unsigned integer.
func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// readUint8 reads a single-byte unsigned integer.
func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncate(err)
	}
	return b[0], nil
}

// writeUint32 writes a four-byte unsigned integer in network byte order,
// the one convention both sides of the wire agree on.
func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// readUint32 reads a four-byte unsigned integer in network byte order.
func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncate(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func truncate(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Truncated
	}
	return err
}

// Holder is a `(ip, contact_port)` pair as exchanged in the holder lists
// of NEIGHBOURS_REPLY, SEARCH_REQUEST and SEARCH_REPLY. Both fields are
// carried as length-prefixed strings on the wire.
type Holder struct {
	IP   string
	Port string
}

func writeHolder(w io.Writer, h Holder) error {
	if err := writeString(w, h.IP); err != nil {
		return err
	}
	return writeString(w, h.Port)
}

func readHolder(r io.Reader) (Holder, error) {
	ip, err := readString(r)
	if err != nil {
		return Holder{}, err
	}
	port, err := readString(r)
	if err != nil {
		return Holder{}, err
	}
	return Holder{IP: ip, Port: port}, nil
}

func writeHolders(w io.Writer, holders []Holder) error {
	if len(holders) > MaxHolders {
		return fmt.Errorf("protocol: %d holders exceeds max %d", len(holders), MaxHolders)
	}
	if err := writeUint8(w, uint8(len(holders))); err != nil {
		return err
	}
	for _, h := range holders {
		if err := writeHolder(w, h); err != nil {
			return err
		}
	}
	return nil
}

func readHolders(r io.Reader) ([]Holder, error) {
	count, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	holders := make([]Holder, count)
	for i := range holders {
		h, err := readHolder(r)
		if err != nil {
			return nil, err
		}
		holders[i] = h
	}
	return holders, nil
}
