package upnp

import (
	"context"
	"strconv"
)

// Named wrappers over Invoke for the transport and rendering actions the
// bridge drives. All of them accept the defaultable-argument fill-in, so the
// callers only pass what varies.

func (d *Device) Play(ctx context.Context) (Result, error) {
	return d.Invoke(ctx, "Play", nil, d.avtServiceType)
}

func (d *Device) Pause(ctx context.Context) (Result, error) {
	return d.Invoke(ctx, "Pause", nil, d.avtServiceType)
}

func (d *Device) Stop(ctx context.Context) (Result, error) {
	return d.Invoke(ctx, "Stop", nil, d.avtServiceType)
}

// Seek jumps to an absolute position expressed as H:MM:SS.
func (d *Device) Seek(ctx context.Context, target string) (Result, error) {
	return d.Invoke(ctx, "Seek", map[string]string{"Target": target}, d.avtServiceType)
}

func (d *Device) SetAVTransportURI(ctx context.Context, uri, metadata string) (Result, error) {
	return d.Invoke(ctx, "SetAVTransportURI", map[string]string{
		"CurrentURI":         uri,
		"CurrentURIMetaData": metadata,
	}, d.avtServiceType)
}

func (d *Device) SetNextAVTransportURI(ctx context.Context, uri, metadata string) (Result, error) {
	return d.Invoke(ctx, "SetNextAVTransportURI", map[string]string{
		"NextURI":         uri,
		"NextURIMetaData": metadata,
	}, d.avtServiceType)
}

func (d *Device) GetTransportInfo(ctx context.Context) (Result, error) {
	return d.Invoke(ctx, "GetTransportInfo", nil, d.avtServiceType)
}

func (d *Device) GetPositionInfo(ctx context.Context) (Result, error) {
	return d.Invoke(ctx, "GetPositionInfo", nil, d.avtServiceType)
}

// SetVolume takes a 0-100 percentage and scales it to the device's declared
// volume range before sending.
func (d *Device) SetVolume(ctx context.Context, percent int) (Result, error) {
	return d.Invoke(ctx, "SetVolume", map[string]string{
		"DesiredVolume": strconv.Itoa(d.volumeFromPercent(percent)),
	}, d.rcServiceType)
}

// GetVolume reports the current volume as a 0-100 percentage.
func (d *Device) GetVolume(ctx context.Context) (int, error) {
	res, err := d.Invoke(ctx, "GetVolume", nil, d.rcServiceType)
	if err != nil || res == nil {
		return 0, err
	}
	raw, err := strconv.Atoi(res["CurrentVolume"])
	if err != nil {
		return 0, err
	}
	return d.percentFromVolume(raw), nil
}

func (d *Device) SetMute(ctx context.Context, mute bool) (Result, error) {
	desired := "0"
	if mute {
		desired = "1"
	}
	return d.Invoke(ctx, "SetMute", map[string]string{"DesiredMute": desired}, d.rcServiceType)
}

func (d *Device) GetMute(ctx context.Context) (bool, error) {
	res, err := d.Invoke(ctx, "GetMute", nil, d.rcServiceType)
	if err != nil || res == nil {
		return false, err
	}
	return res["CurrentMute"] == "1" || res["CurrentMute"] == "true", nil
}

func (d *Device) volumeFromPercent(percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	span := d.VolumeMax - d.VolumeMin
	if span <= 0 {
		return d.VolumeMin
	}
	raw := d.VolumeMin + percent*span/100
	if d.VolumeStep > 1 {
		raw -= (raw - d.VolumeMin) % d.VolumeStep
	}
	return raw
}

func (d *Device) percentFromVolume(raw int) int {
	span := d.VolumeMax - d.VolumeMin
	if span <= 0 {
		return 0
	}
	if raw < d.VolumeMin {
		raw = d.VolumeMin
	}
	if raw > d.VolumeMax {
		raw = d.VolumeMax
	}
	return (raw - d.VolumeMin) * 100 / span
}
