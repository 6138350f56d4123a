package config

// ConfigDiff describes what changed between two configs. Log level and
// playback tuning apply live; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PlaybackChanged is set when jitter buffer tuning changed. It applies
	// from the next playback context.
	PlaybackChanged bool

	// RestartRequired lists the sections whose changes are ignored until
	// the client restarts.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PlaybackChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Audio, new.Audio
	if oa.MinAudioDuration != na.MinAudioDuration ||
		oa.BufferMultiplier != na.BufferMultiplier ||
		oa.FadeDuration != na.FadeDuration ||
		oa.IdleTimeout != na.IdleTimeout {
		d.PlaybackChanged = true
	}
	if oa.InputDevice != na.InputDevice || oa.OutputDevice != na.OutputDevice ||
		oa.Bitrate != na.Bitrate || oa.DevicePeriod != na.DevicePeriod {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.OTA != new.OTA {
		d.RestartRequired = append(d.RestartRequired, "ota")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if deviceChanged(old.Device, new.Device) {
		d.RestartRequired = append(d.RestartRequired, "device")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}

// deviceChanged ignores client ids generated on load, which differ on every
// reload of a file that does not set one.
func deviceChanged(old, new DeviceConfig) bool {
	if old.clientIDGenerated && new.clientIDGenerated {
		old.ClientID, new.ClientID = "", ""
	}
	old.clientIDGenerated, new.clientIDGenerated = false, false
	return old != new
}
