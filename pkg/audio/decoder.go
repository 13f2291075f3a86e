package audio

import (
	"gopkg.in/hraban/opus.v2"
)

// maxFrameSamples is the longest Opus packet per channel (120ms at 48kHz)
const maxFrameSamples = 5760

// OpusDecoder decodes Opus audio to PCM
type OpusDecoder struct {
	decoder    *opus.Decoder
	sampleRate int
	channels   int
	pcm        []int16
}

// NewOpusDecoder creates a new Opus decoder
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}

	return &OpusDecoder{
		decoder:    dec,
		sampleRate: sampleRate,
		channels:   channels,
		pcm:        make([]int16, maxFrameSamples*channels),
	}, nil
}

// Decode decodes one Opus frame to interleaved PCM int16 samples. The returned
// slice is only valid until the next call.
func (d *OpusDecoder) Decode(opusData []byte) ([]int16, error) {
	n, err := d.decoder.Decode(opusData, d.pcm)
	if err != nil {
		return nil, err
	}
	return d.pcm[:n*d.channels], nil
}

// DecodeMono decodes one Opus frame and folds it to a mono PCM byte stream
func (d *OpusDecoder) DecodeMono(opusData []byte) ([]byte, error) {
	pcm, err := d.Decode(opusData)
	if err != nil {
		return nil, err
	}
	if d.channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return SamplesToBytes(pcm), nil
}

// SampleRate returns the sample rate
func (d *OpusDecoder) SampleRate() int {
	return d.sampleRate
}

// Channels returns the number of channels
func (d *OpusDecoder) Channels() int {
	return d.channels
}
