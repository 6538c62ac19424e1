// Package config loads the tsdvr TOML configuration, overlaying a
// config file found on a search path over built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full daemon configuration.
type Config struct {
	Recorder RecorderConfig
	Channel  ChannelConfig
	SRT      SRTConfig
	API      APIConfig
}

// RecorderConfig carries the recording pipeline tunables.
type RecorderConfig struct {
	Directory           string `toml:"directory"`
	MaxVideoFileSizeMiB int64  `toml:"max_video_file_size_mib"`
	MinFreeDiskSpaceMiB int    `toml:"min_free_disk_space_mib"`
	DiskCheckIntervalS  int    `toml:"disk_check_interval_s"`
	MaxBrokenTimeoutS   int    `toml:"max_broken_timeout_s"`
	RingBufferBytes     int    `toml:"ring_buffer_bytes"`
	ReadAheadInitialKiB int    `toml:"read_ahead_initial_kib"`
}

// ChannelConfig describes the elementary streams of the channel being
// recorded. PID slices and language slices run in parallel.
type ChannelConfig struct {
	VideoPID      uint16   `toml:"video_pid"`
	VideoType     uint8    `toml:"video_type"`
	PCRPID        uint16   `toml:"pcr_pid"`
	AudioPIDs     []uint16 `toml:"audio_pids"`
	AudioLangs    []string `toml:"audio_langs"`
	AC3PIDs       []uint16 `toml:"ac3_pids"`
	AC3Langs      []string `toml:"ac3_langs"`
	SubtitlePIDs  []uint16 `toml:"subtitle_pids"`
	SubtitleLangs []string `toml:"subtitle_langs"`
	TeletextPID   uint16   `toml:"teletext_pid"`
}

// SRTConfig configures the SRT listener used as the live TS source.
type SRTConfig struct {
	Address string `toml:"address"`
}

// APIConfig configures the HTTP metrics endpoint.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// Parse tries to read and parse a config file from paths in order,
// falling back to defaults when none exists.
func Parse(paths []string) (*Config, error) {
	config := Config{
		Recorder: RecorderConfig{
			Directory:           "recordings",
			MaxVideoFileSizeMiB: 2000,
			MinFreeDiskSpaceMiB: 512,
			DiskCheckIntervalS:  100,
			MaxBrokenTimeoutS:   30,
			RingBufferBytes:     5 << 20,
			ReadAheadInitialKiB: 128,
		},
		Channel: ChannelConfig{
			VideoPID:  0x0064,
			VideoType: 0x02,
		},
		SRT: SRTConfig{
			Address: ":6000",
		},
		API: APIConfig{
			Enabled: true,
			Address: ":4444",
		},
	}

	var data []byte
	var err error
	for _, path := range paths {
		data, err = os.ReadFile(path)
		if err == nil {
			slog.Info("read config", "path", path)
			break
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if data != nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	} else {
		slog.Info("config file not found, using defaults")
	}

	return &config, nil
}
