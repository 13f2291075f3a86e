package audio

import "encoding/binary"

// BytesToSamples converts little-endian int16 PCM bytes to samples
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples to little-endian int16 PCM bytes
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// StereoToMono averages interleaved left/right samples
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		left := int32(samples[i*2])
		right := int32(samples[i*2+1])
		mono[i] = int16((left + right) / 2)
	}
	return mono
}

// Resample converts mono samples between rates using linear interpolation
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	out := make([]int16, int(float64(len(samples))/ratio))

	for i := range out {
		src := float64(i) * ratio
		idx := int(src)
		frac := src - float64(idx)

		switch {
		case idx+1 < len(samples):
			out[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
		case idx < len(samples):
			out[i] = samples[idx]
		}
	}
	return out
}
