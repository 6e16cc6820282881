package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
)

// ReadWAV decodes a 16-bit PCM WAV stream into a playable buffer and the
// interleaved little-endian PCM payload it was read from.
func ReadWAV(r io.ReadSeeker) (*Buffer, []byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, nil, errors.New("invalid wav file")
	}
	if dec.BitDepth != bitsPerSample {
		return nil, nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, nil, fmt.Errorf("read wav pcm: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return nil, nil, errors.New("wav declares no channels")
	}

	pcm := make([]byte, len(ib.Data)*bytesPerInt16)
	for i, v := range ib.Data {
		binary.LittleEndian.PutUint16(pcm[i*bytesPerInt16:], uint16(int16(v)))
	}
	buf, err := DecodePCM(pcm, int(dec.SampleRate), channels)
	if err != nil {
		return nil, nil, err
	}
	return buf, pcm, nil
}
