package protocol

import (
	"encoding/binary"
	"fmt"
)

// Tag is a 4-byte wire identifier for protocols and packet types,
// canonically the big-endian bytes of four printable ASCII characters.
type Tag uint32

// TagOf builds a tag from a 4-byte string such as "PONG".
// It panics when s is not exactly four bytes long.
func TagOf(s string) Tag {
	if len(s) != TagSize {
		panic(fmt.Sprintf("protocol: tag %q must be exactly %d bytes", s, TagSize))
	}
	return Tag(binary.BigEndian.Uint32([]byte(s)))
}

// TagFromBytes reads a tag from the first four bytes of b.
func TagFromBytes(b []byte) Tag {
	return Tag(binary.BigEndian.Uint32(b[:TagSize]))
}

// Bytes returns the big-endian wire form of the tag.
func (t Tag) Bytes() [TagSize]byte {
	var b [TagSize]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return b
}

// String renders the tag as text when all four bytes are in the printable
// set, otherwise as hex.
func (t Tag) String() string {
	b := t.Bytes()
	for _, c := range b {
		if !printable[c] {
			return fmt.Sprintf("0x%08x", uint32(t))
		}
	}
	return string(b[:])
}

// MarshalText lets tags appear as text in JSON and log fields.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

var printable = func() (set [256]bool) {
	for c := 'A'; c <= 'Z'; c++ {
		set[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		set[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		set[c] = true
	}
	for _, c := range ",.-+*/%&()[]{}" {
		set[c] = true
	}
	return set
}()
