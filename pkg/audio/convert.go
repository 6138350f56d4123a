package audio

import "time"

// Int16ToFloat32 converts PCM samples to normalised floats. Negative samples
// are scaled by 0x8000 and positive ones by 0x7FFF so both extremes map
// exactly onto -1 and 1.
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		if s < 0 {
			out[i] = float32(s) / 0x8000
		} else {
			out[i] = float32(s) / 0x7FFF
		}
	}
	return out
}

// Float32ToInt16 is the inverse of [Int16ToFloat32]. Values outside [-1, 1]
// are clamped.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		switch {
		case f >= 1:
			out[i] = 0x7FFF
		case f <= -1:
			out[i] = -0x8000
		case f < 0:
			out[i] = int16(f * 0x8000)
		default:
			out[i] = int16(f * 0x7FFF)
		}
	}
	return out
}

// Int16sToBytes converts PCM samples to little-endian bytes, the layout used by
// the device callbacks.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to PCM samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// PadFrame returns pcm zero-padded to size samples. If pcm is already at least
// size long it is returned truncated to size. The input is never modified.
func PadFrame(pcm []int16, size int) Frame {
	out := make(Frame, size)
	copy(out, pcm)
	return out
}

// ApplyFade applies a linear fade-in over the first fadeSamples samples and a
// linear fade-out over the last fadeSamples samples, in place. Chunks not
// longer than twice the fade are left untouched so the two ramps never
// overlap.
func ApplyFade(samples []float32, fadeSamples int) {
	n := len(samples)
	if fadeSamples <= 0 || n <= 2*fadeSamples {
		return
	}
	for i := range fadeSamples {
		gain := float32(i) / float32(fadeSamples)
		samples[i] *= gain
		samples[n-1-i] *= gain
	}
}

// SamplesToDuration returns the playback time of n mono samples at rate Hz.
func SamplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationToSamples returns the number of mono samples covering d at rate Hz.
func DurationToSamples(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
