//go:build cgo && !noaudio

package device

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// rawFormat needs to be agreed upon between capture and playback callbacks.
var rawFormat = malgo.FormatS16

func init() {
	newBackend = newMalgoBackend
}

// malgoBackend offloads device work to miniaudio.
type malgoBackend struct {
	ctx *malgo.AllocatedContext
}

func newMalgoBackend() (backend, error) {
	if size := malgo.SampleSizeInBytes(rawFormat); size != 2 {
		return nil, fmt.Errorf("malgo raw format has wrong sample size (got %d, want 2)", size)
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoBackend{ctx: ctx}, nil
}

func (b *malgoBackend) name() string { return "malgo" }

func (b *malgoBackend) free() error {
	if err := b.ctx.Uninit(); err != nil {
		return err
	}
	b.ctx.Free()
	return nil
}

func toMalgoID(id string) (malgo.DeviceID, bool) {
	var res malgo.DeviceID
	if id == "" {
		return res, false
	}
	copy(res[:], id)
	return res, true
}

func (b *malgoBackend) initCapture(cfg Config, cb dataProc) (hwDevice, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	if id, ok := toMalgoID(cfg.DeviceID); ok {
		dc.Capture.DeviceID = id.Pointer()
	}
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInMilliseconds = uint32(cfg.Period.Milliseconds())
	dc.Capture.Format = rawFormat
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(b.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (b *malgoBackend) initPlayback(cfg Config, cb dataProc) (hwDevice, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	if id, ok := toMalgoID(cfg.DeviceID); ok {
		dc.Playback.DeviceID = id.Pointer()
	}
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInMilliseconds = uint32(cfg.Period.Milliseconds())
	dc.Playback.Format = rawFormat
	dc.Playback.Channels = uint32(cfg.Channels)
	dc.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(b.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (b *malgoBackend) devices() (Devices, error) {
	playback, err := b.list(malgo.Playback)
	if err != nil {
		return Devices{}, err
	}
	capture, err := b.list(malgo.Capture)
	if err != nil {
		return Devices{}, err
	}
	return Devices{Playback: playback, Capture: capture}, nil
}

func (b *malgoBackend) list(typ malgo.DeviceType) ([]Info, error) {
	devs, err := b.ctx.Devices(typ)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(devs))
	seen := make(map[string]struct{}, len(devs))
	for _, d := range devs {
		id := string(append([]byte(nil), d.ID[:]...))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Info{ID: id, Name: d.Name(), IsDefault: d.IsDefault == 1})
	}
	return out, nil
}
