package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("log.level", "info")
	v.SetDefault("muxer.format", "mp4")

	// I/O sinks
	v.SetDefault("io.poll_interval", 100*time.Millisecond)
	v.SetDefault("io.dial_timeout", 10*time.Second)
	v.SetDefault("io.buffer_size", 32*1024)
	v.SetDefault("io.packet_size", 1316) // 7 TS packets per datagram

	// Interleaving queue
	v.SetDefault("interleave.max_delta", 10*time.Second)

	// SRT push targets
	v.SetDefault("srt.latency", 120*time.Millisecond)

	// Environment variables
	v.SetEnvPrefix("MEDIAMUXER")
	v.AutomaticEnv()
	v.BindEnv("log.level", "MEDIAMUXER_LOG_LEVEL", "LOG_LEVEL")
	v.BindEnv("muxer.format", "MEDIAMUXER_FORMAT")
	v.BindEnv("io.poll_interval", "MEDIAMUXER_IO_POLL_INTERVAL")
	v.BindEnv("io.dial_timeout", "MEDIAMUXER_IO_DIAL_TIMEOUT")
	v.BindEnv("io.buffer_size", "MEDIAMUXER_IO_BUFFER_SIZE")
	v.BindEnv("io.packet_size", "MEDIAMUXER_IO_PACKET_SIZE")
	v.BindEnv("interleave.max_delta", "MEDIAMUXER_INTERLEAVE_MAX_DELTA")
	v.BindEnv("srt.latency", "MEDIAMUXER_SRT_LATENCY")

	// Config file
	v.SetConfigName("mediamuxer")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "mediamuxer"),
		"/etc/mediamuxer",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

// GetLogLevel returns the configured log level name
func GetLogLevel() string {
	return v.GetString("log.level")
}

// GetDefaultFormat returns the container format used when a session names none
// and the target has no recognizable extension
func GetDefaultFormat() string {
	return v.GetString("muxer.format")
}

// GetPollInterval returns how often blocking sink writes check the interrupt flag
func GetPollInterval() time.Duration {
	d := v.GetDuration("io.poll_interval")
	if d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// GetDialTimeout returns the connect timeout for network sinks
func GetDialTimeout() time.Duration {
	return v.GetDuration("io.dial_timeout")
}

// GetBufferSize returns the sink write buffer size in bytes
func GetBufferSize() int {
	if n := v.GetInt("io.buffer_size"); n > 0 {
		return n
	}
	return 32 * 1024
}

// GetPacketSize returns the datagram payload size for packet-oriented sinks (udp, srt)
func GetPacketSize() int {
	if n := v.GetInt("io.packet_size"); n > 0 {
		return n
	}
	return 1316
}

// GetMaxInterleaveDelta returns the maximum timestamp span the interleaving
// queue may hold before it emits packets without waiting for every stream
func GetMaxInterleaveDelta() time.Duration {
	return v.GetDuration("interleave.max_delta")
}

// GetSRTLatency returns the latency requested from SRT peers
func GetSRTLatency() time.Duration {
	return v.GetDuration("srt.latency")
}

// Set overrides a configuration value at runtime
func Set(key string, value interface{}) {
	v.Set(key, value)
}
