// Package encoding provides binary encoding utilities for SMB protocol messages.
// All SMB1 and SMB2/SMB3 integers are little-endian on the wire.
package encoding

import (
	"encoding/binary"
	"time"
)

// PutUint16LE writes a uint16 in little-endian format to the buffer.
func PutUint16LE(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}

// PutUint32LE writes a uint32 in little-endian format to the buffer.
func PutUint32LE(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

// PutUint64LE writes a uint64 in little-endian format to the buffer.
func PutUint64LE(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// Uint16LE reads a uint16 in little-endian format from the buffer.
func Uint16LE(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// Uint32LE reads a uint32 in little-endian format from the buffer.
func Uint32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// Uint64LE reads a uint64 in little-endian format from the buffer.
func Uint64LE(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// AppendUint16LE appends a uint16 in little-endian format to the buffer.
func AppendUint16LE(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

// AppendUint32LE appends a uint32 in little-endian format to the buffer.
func AppendUint32LE(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

// AppendUint64LE appends a uint64 in little-endian format to the buffer.
func AppendUint64LE(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// FiletimeEpochOffset is the number of 100ns intervals between
// 1601-01-01 and 1970-01-01.
const FiletimeEpochOffset = 116444736000000000

// FiletimeToUnixMillis converts a Windows FILETIME to milliseconds since the Unix epoch.
func FiletimeToUnixMillis(ft uint64) int64 {
	return (int64(ft) - FiletimeEpochOffset) / 10000
}

// UnixMillisToFiletime converts milliseconds since the Unix epoch to a FILETIME.
func UnixMillisToFiletime(ms int64) uint64 {
	return uint64(ms*10000 + FiletimeEpochOffset)
}

// FiletimeToTime converts a FILETIME to a time.Time. Zero maps to the zero Time.
func FiletimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	return time.UnixMilli(FiletimeToUnixMillis(ft))
}

// TimeToFiletime converts a time.Time to a FILETIME. The zero Time maps to zero.
func TimeToFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return UnixMillisToFiletime(t.UnixMilli())
}
