// Package audio defines the audio primitives shared by the capture and
// playback pipelines: the fixed 16 kHz mono contract, PCM frame and opus
// packet types, sample conversions, and the codec, sink and source interfaces
// that concrete devices and codecs implement.
package audio
