package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// DefaultSampleRate is the rate the speech backend produces.
	DefaultSampleRate = 24000
	// HeaderSize is the length of the canonical RIFF/WAVE header written by EncodeWAV.
	HeaderSize = 44

	bitsPerSample = 16
	bytesPerInt16 = 2
)

// Buffer is a decoded, playable audio buffer. Data holds one slice per
// channel, each sample normalized to [-1.0, 1.0].
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

func (b *Buffer) NumChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// DecodeError reports a PCM payload that cannot be interpreted as 16-bit samples.
type DecodeError struct {
	Length   int
	Channels int
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode pcm (%d bytes, %d channels): %s", e.Length, e.Channels, e.Reason)
}

// DecodePCM interprets pcm as signed 16-bit little-endian samples,
// channel-interleaved, and splits it into per-channel float buffers.
// A trailing partial frame is dropped.
func DecodePCM(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		return nil, &DecodeError{Length: len(pcm), Channels: channels, Reason: "channel count must be positive"}
	}
	if len(pcm)%bytesPerInt16 != 0 {
		return nil, &DecodeError{Length: len(pcm), Channels: channels, Reason: "odd trailing byte"}
	}
	samples := len(pcm) / bytesPerInt16
	frames := samples / channels

	buf := &Buffer{SampleRate: sampleRate, Data: make([][]float32, channels)}
	for ch := range buf.Data {
		buf.Data[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * bytesPerInt16
			v := int16(binary.LittleEndian.Uint16(pcm[off:]))
			buf.Data[ch][i] = float32(v) / 32768.0
		}
	}
	return buf, nil
}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAV wraps pcm in a 44-byte mono 16-bit PCM WAV header. The payload
// is copied verbatim.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const channels = 1
	hdr := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * bitsPerSample / 8),
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(pcm))
	// bytes.Buffer writes cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(pcm)
	return buf.Bytes()
}

// WAVPayload returns the data region of a blob produced by EncodeWAV.
func WAVPayload(wav []byte) ([]byte, error) {
	if len(wav) < HeaderSize {
		return nil, fmt.Errorf("wav too short: %d bytes", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		return nil, fmt.Errorf("not a canonical wav header")
	}
	size := int(binary.LittleEndian.Uint32(wav[40:44]))
	if HeaderSize+size > len(wav) {
		return nil, fmt.Errorf("wav data chunk truncated: want %d bytes, have %d", size, len(wav)-HeaderSize)
	}
	return wav[HeaderSize : HeaderSize+size], nil
}
