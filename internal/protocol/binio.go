package protocol

import "encoding/binary"

// reader walks a control-frame payload byte by byte. It never panics: every
// accessor returns ErrInvalidFrame once the payload runs out, so a truncated
// or adversarial frame fails decode instead of crashing the process.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) done() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

// boundedCap returns a preallocation hint that never exceeds what the
// remaining bytes could actually produce, so a forged count field (e.g. a
// 9-byte payload claiming four billion headers) can't force a multi-GB
// allocation before the per-element bounds checks even run.
func boundedCap(n uint32, remaining, minElemSize int) uint32 {
	if minElemSize <= 0 || remaining <= 0 {
		return 0
	}
	max := uint32(remaining / minElemSize)
	if n > max {
		return max
	}
	return n
}

func (r *reader) uint8() (uint8, error) {
	if r.pos+1 > len(r.buf) {
		return 0, ErrInvalidFrame
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, ErrInvalidFrame
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, ErrInvalidFrame
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// string reads a u32-length-prefixed UTF-8 string, copying it out of the
// shared payload slice so it outlives the decode buffer's reuse.
func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", ErrInvalidFrame
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) stringSlice() ([]string, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, boundedCap(n, r.remaining(), 4))
	for i := uint32(0); i < n; i++ {
		s, err := r.string()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func appendUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendStringSlice(buf []byte, ss []string) []byte {
	buf = appendUint32(buf, uint32(len(ss)))
	for _, s := range ss {
		buf = appendString(buf, s)
	}
	return buf
}
