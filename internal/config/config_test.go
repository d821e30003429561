package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zachmartin/netcam/internal/media"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.HTTPListenAddr != ":8080" {
		t.Errorf("HTTPListenAddr = %q, want :8080", cfg.HTTPListenAddr)
	}
	if cfg.StreamQuality != 80 {
		t.Errorf("StreamQuality = %d, want 80", cfg.StreamQuality)
	}
	if cfg.SensorQuality != 10 || cfg.FrameBuffers != 1 {
		t.Errorf("SensorQuality=%d FrameBuffers=%d, want 10/1", cfg.SensorQuality, cfg.FrameBuffers)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NETCAM_HTTP_LISTEN_ADDR", ":9000")
	t.Setenv("NETCAM_LOG_LEVEL", "DEBUG")
	t.Setenv("NETCAM_SOURCE", "ipc")
	t.Setenv("NETCAM_IPC_SOCKET_PATH", "/run/netcam.sock")
	t.Setenv("NETCAM_PIXEL_FORMAT", "rgb565")
	t.Setenv("NETCAM_FRAME_SIZE", "qvga")
	t.Setenv("NETCAM_STREAM_QUALITY", "60")
	t.Setenv("NETCAM_ACQUIRE_TIMEOUT", "250ms")
	t.Setenv("NETCAM_LIGHT_PIN", "GPIO4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPListenAddr != ":9000" {
		t.Errorf("HTTPListenAddr = %q", cfg.HTTPListenAddr)
	}
	if !cfg.IsDebug() {
		t.Error("IsDebug() = false, want true")
	}
	if cfg.Source != "ipc" || cfg.IPCSocketPath != "/run/netcam.sock" {
		t.Errorf("Source = %q IPCSocketPath = %q", cfg.Source, cfg.IPCSocketPath)
	}
	if cfg.StreamQuality != 60 || cfg.AcquireTimeout != 250*time.Millisecond {
		t.Errorf("StreamQuality = %d AcquireTimeout = %v", cfg.StreamQuality, cfg.AcquireTimeout)
	}
	if cfg.LightPin != "GPIO4" {
		t.Errorf("LightPin = %q", cfg.LightPin)
	}

	dev := cfg.DeviceConfig()
	if dev.PixelFormat != media.PixelFormatRGB565 || dev.FrameSize != media.FrameSizeQVGA {
		t.Errorf("DeviceConfig() = %+v", dev)
	}
	if dev.AcquireTimeout != 250*time.Millisecond || dev.JPEGQuality != 10 {
		t.Errorf("DeviceConfig() = %+v", dev)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	tests := []struct {
		env, value string
	}{
		{"NETCAM_STREAM_QUALITY", "high"},
		{"NETCAM_STREAM_QUALITY", "0"},
		{"NETCAM_SENSOR_QUALITY", "64"},
		{"NETCAM_ACQUIRE_TIMEOUT", "soon"},
		{"NETCAM_SOURCE", "usb"},
		{"NETCAM_PIXEL_FORMAT", "h264"},
		{"NETCAM_FRAME_SIZE", "4K"},
		{"NETCAM_LOG_FORMAT", "xml"},
		{"NETCAM_FRAME_BUFFERS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() accepted %s=%s", tt.env, tt.value)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcam.yaml")
	data := `
http_listen_addr: ":8181"
source: synthetic
synthetic_fps: 5
synthetic_pattern: 2
frame_size: SVGA
net_interface: wlan0
net_poll_interval: 5s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("NETCAM_CONFIG_FILE", path)
	t.Setenv("NETCAM_SYNTHETIC_FPS", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPListenAddr != ":8181" || cfg.FrameSize != "SVGA" || cfg.SyntheticPattern != 2 {
		t.Errorf("file values not applied: %s", cfg)
	}
	if cfg.NetInterface != "wlan0" || cfg.NetPollInterval != 5*time.Second {
		t.Errorf("NetInterface = %q NetPollInterval = %v", cfg.NetInterface, cfg.NetPollInterval)
	}
	if cfg.SyntheticFPS != 30 {
		t.Errorf("SyntheticFPS = %d, want env override 30", cfg.SyntheticFPS)
	}
	if cfg.StreamQuality != 80 {
		t.Errorf("StreamQuality = %d, want default 80", cfg.StreamQuality)
	}
}

func TestLoadFileErrors(t *testing.T) {
	t.Setenv("NETCAM_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("Load() accepted a missing config file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("source: [synthetic"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("NETCAM_CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Error("Load() accepted malformed yaml")
	}
}

func TestValidateMQTT(t *testing.T) {
	cfg := Default()
	cfg.MQTTBroker = "broker.local:1883"
	cfg.MQTTTopic = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted a broker without a topic")
	}
}

func TestString(t *testing.T) {
	s := Default().String()
	for _, want := range []string{"HTTPListenAddr: :8080", "Source: synthetic", "StreamQuality: 80"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
