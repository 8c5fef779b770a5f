package pcm

import "encoding/binary"

// Encoder is the inverse of Decoder: it narrows int32 values into the byte
// layout of a Format, keeping the low-order BytesPerSample bytes.
type Encoder struct {
	format         Format
	bytesPerSample int
	order          binary.ByteOrder
	srcOffset      int
}

// NewEncoder returns an encoder for f.
func NewEncoder(f Format) (*Encoder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	e := &Encoder{
		format:         f,
		bytesPerSample: f.BytesPerSample(),
		order:          binary.ByteOrder(binary.LittleEndian),
	}
	if f.BigEndian {
		e.order = binary.BigEndian
		e.srcOffset = 4 - e.bytesPerSample
	}
	return e, nil
}

// Encode writes samples into dst and returns the number of bytes written.
// Encoding stops at the last sample that fits completely in dst.
func (e *Encoder) Encode(samples []int32, dst []byte) int {
	bps := e.bytesPerSample
	n := min(len(samples), len(dst)/bps)

	var stage [4]byte
	for i := 0; i < n; i++ {
		e.order.PutUint32(stage[:], uint32(samples[i]))
		copy(dst[i*bps:(i+1)*bps], stage[e.srcOffset:e.srcOffset+bps])
	}
	return n * bps
}

// EncodeAll allocates and returns the encoded bytes of samples.
func (e *Encoder) EncodeAll(samples []int32) []byte {
	out := make([]byte, len(samples)*e.bytesPerSample)
	e.Encode(samples, out)
	return out
}

// FullScale returns the largest positive amplitude representable in f
// around its zero level, and that zero level. Unsigned encodings are
// centred on half of their range.
func FullScale(f Format) (amplitude, zero int64) {
	bits := f.SampleBits
	if bits > MaxSampleBits {
		bits = MaxSampleBits
	}
	half := int64(1) << (bits - 1)
	if f.Signed {
		return half - 1, 0
	}
	return half - 1, half
}
