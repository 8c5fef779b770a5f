package pcm

import (
	"encoding/binary"
)

// Decoder widens raw PCM samples of any bit depth up to 32 bits into
// int32 values. Signed encodings are sign-extended, unsigned encodings are
// zero-extended. A Decoder holds only values derived from its Format and is
// safe to reuse across packets.
type Decoder struct {
	format         Format
	bytesPerSample int
	order          binary.ByteOrder
	// srcOffset is where the sample bytes start inside the 4-byte staging
	// word so that the value ends up in the low-order bytes.
	srcOffset int
}

// NewDecoder returns a decoder for f.
func NewDecoder(f Format) (*Decoder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	d := &Decoder{
		format:         f,
		bytesPerSample: f.BytesPerSample(),
		order:          binary.ByteOrder(binary.LittleEndian),
	}
	if f.BigEndian {
		d.order = binary.BigEndian
		d.srcOffset = 4 - d.bytesPerSample
	}
	return d, nil
}

// SampleCount returns how many whole samples fit in n bytes.
func (d *Decoder) SampleCount(n int) int {
	return n / d.bytesPerSample
}

// msbIndex returns the index in the source buffer of the most significant
// byte of sample i.
func (d *Decoder) msbIndex(i int) int {
	if d.format.BigEndian {
		return i * d.bytesPerSample
	}
	return (i+1)*d.bytesPerSample - 1
}

// Decode converts src into dst and returns the number of samples written,
// which is min(len(src)/BytesPerSample, len(dst)). Trailing bytes that do
// not form a whole sample are dropped, never decoded.
func (d *Decoder) Decode(src []byte, dst []int32) int {
	n := min(d.SampleCount(len(src)), len(dst))
	bps := d.bytesPerSample

	var stage [4]byte
	for i := 0; i < n; i++ {
		var fill byte
		if d.format.Signed && src[d.msbIndex(i)]&0x80 != 0 {
			fill = 0xFF
		}
		stage = [4]byte{fill, fill, fill, fill}

		copy(stage[d.srcOffset:], src[i*bps:(i+1)*bps])
		dst[i] = int32(d.order.Uint32(stage[:]))
	}
	return n
}

// DecodeAll allocates and returns the decoded samples of src.
func (d *Decoder) DecodeAll(src []byte) []int32 {
	out := make([]int32, d.SampleCount(len(src)))
	d.Decode(src, out)
	return out
}
