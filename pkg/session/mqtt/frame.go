// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import "errors"

// DefaultMaxPacketSize bounds the bytes buffered for one incomplete packet.
const DefaultMaxPacketSize = 1 << 20

var (
	// ErrMalformedLength is returned for a remaining length longer than four bytes.
	ErrMalformedLength = errors.New("malformed remaining length")

	// ErrPacketTooLarge is returned when a packet exceeds the configured maximum.
	ErrPacketTooLarge = errors.New("packet too large")
)

// frameLen returns the total length of the first packet in b, fixed header
// included, or 0 when b does not hold the whole length field yet.
func frameLen(b []byte) (int, error) {
	remaining, mult := 0, 1
	for i := 1; i < len(b); i++ {
		if i > 4 {
			return 0, ErrMalformedLength
		}
		remaining += int(b[i]&0x7f) * mult
		if b[i]&0x80 == 0 {
			return i + 1 + remaining, nil
		}
		mult *= 128
	}
	if len(b) > 4 {
		return 0, ErrMalformedLength
	}
	return 0, nil
}

// assembler collects bytes for one direction until whole packets are
// available.
type assembler struct {
	buf []byte
	max int
}

// push appends chunk and returns every complete packet now buffered. Bytes
// of a trailing partial packet are kept for the next call.
func (a *assembler) push(chunk []byte) ([][]byte, error) {
	a.buf = append(a.buf, chunk...)

	var frames [][]byte
	for len(a.buf) > 0 {
		n, err := frameLen(a.buf)
		if err != nil {
			return nil, err
		}
		if n > a.max {
			return nil, ErrPacketTooLarge
		}
		if n == 0 || len(a.buf) < n {
			break
		}
		frames = append(frames, a.buf[:n:n])
		a.buf = a.buf[n:]
	}

	if len(a.buf) == 0 {
		a.buf = nil
	} else if len(frames) > 0 {
		a.buf = append([]byte(nil), a.buf...)
	}
	return frames, nil
}

func (a *assembler) pending() int {
	return len(a.buf)
}
