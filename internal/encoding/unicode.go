package encoding

import (
	"unicode/utf16"
)

// ToUTF16LE converts a Go string to UTF-16LE encoded bytes.
// This is the in-band string encoding for SMB2/SMB3 and Unicode SMB1.
func ToUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		b[i*2] = byte(u)
		b[i*2+1] = byte(u >> 8)
	}
	return b
}

// FromUTF16LE converts UTF-16LE encoded bytes to a Go string.
// A trailing odd byte is ignored.
func FromUTF16LE(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[i*2]) | uint16(b[i*2+1])<<8
	}
	return string(utf16.Decode(units))
}

// ToUTF16LEWithNull converts a string to UTF-16LE with a null terminator.
func ToUTF16LEWithNull(s string) []byte {
	b := ToUTF16LE(s)
	return append(b, 0, 0)
}

// UTF16Len returns the number of UTF-16 code units needed to encode s.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
