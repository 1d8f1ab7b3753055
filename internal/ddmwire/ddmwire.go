// Package ddmwire implements the binary conventions of the DDM wire
// protocol: big-endian appenders for packed chunk payloads, the chunk type
// fourcc constants, and the type+length framing that carries chunks between
// the VM and a monitoring client.
package ddmwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
)

// Chunk types handled or emitted by the VM side of the protocol.
const (
	TypeHELO = uint32('H')<<24 | uint32('E')<<16 | uint32('L')<<8 | uint32('O')
	TypeFEAT = uint32('F')<<24 | uint32('E')<<16 | uint32('A')<<8 | uint32('T')
	TypeTHEN = uint32('T')<<24 | uint32('H')<<16 | uint32('E')<<8 | uint32('N')
	TypeTHST = uint32('T')<<24 | uint32('H')<<16 | uint32('S')<<8 | uint32('T')
	TypeTHCR = uint32('T')<<24 | uint32('H')<<16 | uint32('C')<<8 | uint32('R')
	TypeTHDE = uint32('T')<<24 | uint32('H')<<16 | uint32('D')<<8 | uint32('E')
	TypeSTKL = uint32('S')<<24 | uint32('T')<<16 | uint32('K')<<8 | uint32('L')
	TypeREAE = uint32('R')<<24 | uint32('E')<<16 | uint32('A')<<8 | uint32('E')
	TypeREAQ = uint32('R')<<24 | uint32('E')<<16 | uint32('A')<<8 | uint32('Q')
	TypeREAL = uint32('R')<<24 | uint32('E')<<16 | uint32('A')<<8 | uint32('L')
	TypeHPIF = uint32('H')<<24 | uint32('P')<<16 | uint32('I')<<8 | uint32('F')
	TypeHPSG = uint32('H')<<24 | uint32('P')<<16 | uint32('S')<<8 | uint32('G')
	TypeNHSG = uint32('N')<<24 | uint32('H')<<16 | uint32('S')<<8 | uint32('G')
	TypeFAIL = uint32('F')<<24 | uint32('A')<<16 | uint32('I')<<8 | uint32('L')
)

// MaxChunkLen bounds the payload length accepted from the peer so that a
// corrupt length prefix cannot force an arbitrarily large allocation.
const MaxChunkLen = 16 << 20

// Append1BE appends the low 8 bits of v to buf.
func Append1BE(buf []byte, v uint32) []byte {
	return append(buf, byte(v))
}

// Append2BE appends the low 16 bits of v to buf in big-endian order.
func Append2BE(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>8), byte(v))
}

// Append4BE appends v to buf in big-endian order.
func Append4BE(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Append8BE appends v to buf in big-endian order.
func Append8BE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// AppendUTF16BE appends s to buf as big-endian UTF-16 code units. Chunk
// strings are counted in code units, not bytes; see UTF16Units.
func AppendUTF16BE(buf []byte, s string) []byte {
	for _, u := range utf16.Encode([]rune(s)) {
		buf = Append2BE(buf, uint32(u))
	}
	return buf
}

// UTF16Units returns the number of UTF-16 code units AppendUTF16BE would
// append for s.
func UTF16Units(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// Chunk is one framed unit of the protocol: a fourcc type and an opaque
// payload whose layout is fixed by that type.
type Chunk struct {
	Type uint32
	Data []byte
}

// WriteChunk writes c to w as an 8-byte big-endian type+length header
// followed by the payload. The frame is written with a single Write call so
// concurrent writers interleave at chunk granularity.
func WriteChunk(w io.Writer, c Chunk) error {
	buf := make([]byte, 0, 8+len(c.Data))
	buf = Append4BE(buf, c.Type)
	buf = Append4BE(buf, uint32(len(c.Data)))
	buf = append(buf, c.Data...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s chunk: %w", TypeString(c.Type), err)
	}
	return nil
}

// ReadChunk reads one framed chunk from r.
func ReadChunk(r io.Reader) (Chunk, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Chunk{}, err
	}
	typ := binary.BigEndian.Uint32(hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > MaxChunkLen {
		return Chunk{}, fmt.Errorf("%s chunk length %d exceeds limit", TypeString(typ), length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Chunk{}, fmt.Errorf("failed to read %s chunk payload: %w", TypeString(typ), err)
	}
	return Chunk{Type: typ, Data: data}, nil
}

// TypeString renders a chunk type as its fourcc when printable, or as hex.
func TypeString(t uint32) string {
	b := [4]byte{byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", t)
		}
	}
	return string(b[:])
}
