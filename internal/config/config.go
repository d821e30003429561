// Package config provides configuration management for the camera gateway.
// Configuration is built from defaults, an optional YAML file and
// environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zachmartin/netcam/internal/media"
)

// Config holds all configuration for the camera gateway.
type Config struct {
	// HTTPListenAddr is the address the HTTP server binds when the network
	// comes up.
	// Default: ":8080"
	HTTPListenAddr string `yaml:"http_listen_addr"`

	// ShutdownTimeout bounds graceful HTTP shutdown on disconnect.
	// Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LogLevel specifies logging verbosity ("debug", "info", "warn", "error").
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json" or "console".
	// Default: "json"
	LogFormat string `yaml:"log_format"`

	// Source selects the frame source ("synthetic", "v4l2" or "ipc").
	// Default: "synthetic"
	Source string `yaml:"source"`

	// IPCSocketPath is the Unix socket an external capture process pushes
	// frames into when Source is "ipc".
	// Default: "/tmp/netcam_frames.sock"
	IPCSocketPath string `yaml:"ipc_socket_path"`

	// V4L2Device is the video device used when Source is "v4l2".
	// Default: "/dev/video0"
	V4L2Device string `yaml:"v4l2_device"`

	// PixelFormat is the sensor output format ("jpeg", "rgb565", "yuv422",
	// "grayscale", "rgb888").
	// Default: "jpeg"
	PixelFormat string `yaml:"pixel_format"`

	// FrameSize is the initial sensor resolution (QQVGA ... UXGA).
	// Default: "UXGA"
	FrameSize string `yaml:"frame_size"`

	// SensorQuality is the sensor JPEG quality, 0-63, lower is better.
	// Default: 10
	SensorQuality int `yaml:"sensor_quality"`

	// StreamQuality is the image/jpeg quality used to transcode raw frames.
	// Default: 80
	StreamQuality int `yaml:"stream_quality"`

	// FrameBuffers is the size of the source's buffer pool.
	// Default: 1
	FrameBuffers int `yaml:"frame_buffers"`

	// AcquireTimeout bounds a single frame acquisition.
	// Default: 4s
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// SyntheticFPS is the frame rate for synthetic video.
	// Default: 15
	SyntheticFPS int `yaml:"synthetic_fps"`

	// SyntheticPattern is the test pattern type (0=ColorBars, 1=Gradient, 2=Grid).
	// Default: 0 (ColorBars)
	SyntheticPattern int `yaml:"synthetic_pattern"`

	// LightPin is the GPIO line driving the flash LED, e.g. "GPIO4". Empty
	// keeps the light state in memory only.
	// Default: ""
	LightPin string `yaml:"light_pin"`

	// NetInterface is watched for connectivity. Empty means the network is
	// considered up at startup.
	// Default: ""
	NetInterface string `yaml:"net_interface"`

	// NetPollInterval is how often NetInterface is checked.
	// Default: 2s
	NetPollInterval time.Duration `yaml:"net_poll_interval"`

	// MQTTBroker is a host:port to receive connectivity events from. Empty
	// disables the bridge.
	// Default: ""
	MQTTBroker string `yaml:"mqtt_broker"`

	// MQTTTopic carries connectivity events.
	// Default: "netcam/network"
	MQTTTopic string `yaml:"mqtt_topic"`

	// MQTTClientID identifies this appliance to the broker.
	// Default: "netcam"
	MQTTClientID string `yaml:"mqtt_client_id"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		HTTPListenAddr:   ":8080",
		ShutdownTimeout:  5 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
		Source:           "synthetic",
		IPCSocketPath:    "/tmp/netcam_frames.sock",
		V4L2Device:       "/dev/video0",
		PixelFormat:      "jpeg",
		FrameSize:        "UXGA",
		SensorQuality:    10,
		StreamQuality:    80,
		FrameBuffers:     1,
		AcquireTimeout:   4 * time.Second,
		SyntheticFPS:     15,
		SyntheticPattern: 0,
		NetPollInterval:  2 * time.Second,
		MQTTTopic:        "netcam/network",
		MQTTClientID:     "netcam",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// NETCAM_CONFIG_FILE (if set) and environment variables.
//
// Environment variables:
//   - NETCAM_CONFIG_FILE: YAML file applied before the variables below
//   - NETCAM_HTTP_LISTEN_ADDR: HTTP server listen address
//   - NETCAM_SHUTDOWN_TIMEOUT: Graceful shutdown timeout (Go duration)
//   - NETCAM_LOG_LEVEL: Logging level (debug, info, warn, error)
//   - NETCAM_LOG_FORMAT: Log output format (json, console)
//   - NETCAM_SOURCE: Frame source (synthetic, v4l2, ipc)
//   - NETCAM_IPC_SOCKET_PATH: Unix socket path for pushed frames
//   - NETCAM_V4L2_DEVICE: Video4Linux device path
//   - NETCAM_PIXEL_FORMAT: Sensor pixel format
//   - NETCAM_FRAME_SIZE: Initial frame size
//   - NETCAM_SENSOR_QUALITY: Sensor JPEG quality (0-63)
//   - NETCAM_STREAM_QUALITY: Transcode quality (1-100)
//   - NETCAM_FRAME_BUFFERS: Frame buffer pool size
//   - NETCAM_ACQUIRE_TIMEOUT: Frame acquisition timeout (Go duration)
//   - NETCAM_SYNTHETIC_FPS: Synthetic video frame rate
//   - NETCAM_SYNTHETIC_PATTERN: Synthetic video pattern (0=ColorBars, 1=Gradient, 2=Grid)
//   - NETCAM_LIGHT_PIN: GPIO pin name for the light
//   - NETCAM_NET_INTERFACE: Network interface to watch
//   - NETCAM_NET_POLL_INTERVAL: Interface poll interval (Go duration)
//   - NETCAM_MQTT_BROKER: MQTT broker host:port for connectivity events
//   - NETCAM_MQTT_TOPIC: MQTT topic for connectivity events
//   - NETCAM_MQTT_CLIENT_ID: MQTT client identifier
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("NETCAM_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := []struct {
		env   string
		field *string
		lower bool
	}{
		{"NETCAM_HTTP_LISTEN_ADDR", &c.HTTPListenAddr, false},
		{"NETCAM_LOG_LEVEL", &c.LogLevel, true},
		{"NETCAM_LOG_FORMAT", &c.LogFormat, true},
		{"NETCAM_SOURCE", &c.Source, true},
		{"NETCAM_IPC_SOCKET_PATH", &c.IPCSocketPath, false},
		{"NETCAM_V4L2_DEVICE", &c.V4L2Device, false},
		{"NETCAM_PIXEL_FORMAT", &c.PixelFormat, true},
		{"NETCAM_FRAME_SIZE", &c.FrameSize, false},
		{"NETCAM_LIGHT_PIN", &c.LightPin, false},
		{"NETCAM_NET_INTERFACE", &c.NetInterface, false},
		{"NETCAM_MQTT_BROKER", &c.MQTTBroker, false},
		{"NETCAM_MQTT_TOPIC", &c.MQTTTopic, false},
		{"NETCAM_MQTT_CLIENT_ID", &c.MQTTClientID, false},
	}
	for _, s := range strs {
		if val := os.Getenv(s.env); val != "" {
			val = strings.TrimSpace(val)
			if s.lower {
				val = strings.ToLower(val)
			}
			*s.field = val
		}
	}

	ints := []struct {
		env   string
		field *int
	}{
		{"NETCAM_SENSOR_QUALITY", &c.SensorQuality},
		{"NETCAM_STREAM_QUALITY", &c.StreamQuality},
		{"NETCAM_FRAME_BUFFERS", &c.FrameBuffers},
		{"NETCAM_SYNTHETIC_FPS", &c.SyntheticFPS},
		{"NETCAM_SYNTHETIC_PATTERN", &c.SyntheticPattern},
	}
	for _, i := range ints {
		if val := os.Getenv(i.env); val != "" {
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return errors.New(i.env + " must be a valid integer")
			}
			*i.field = n
		}
	}

	durs := []struct {
		env   string
		field *time.Duration
	}{
		{"NETCAM_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"NETCAM_ACQUIRE_TIMEOUT", &c.AcquireTimeout},
		{"NETCAM_NET_POLL_INTERVAL", &c.NetPollInterval},
	}
	for _, d := range durs {
		if val := os.Getenv(d.env); val != "" {
			dur, err := time.ParseDuration(strings.TrimSpace(val))
			if err != nil {
				return errors.New(d.env + " must be a valid duration")
			}
			*d.field = dur
		}
	}

	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.HTTPListenAddr == "" {
		return errors.New("HTTPListenAddr cannot be empty")
	}

	if c.ShutdownTimeout <= 0 {
		return errors.New("ShutdownTimeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return errors.New("LogLevel must be 'debug', 'info', 'warn', or 'error'")
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return errors.New("LogFormat must be 'json' or 'console'")
	}

	switch c.Source {
	case "synthetic":
		if c.SyntheticFPS <= 0 || c.SyntheticFPS > 240 {
			return errors.New("SyntheticFPS must be between 1 and 240")
		}
		if c.SyntheticPattern < 0 || c.SyntheticPattern > 2 {
			return errors.New("SyntheticPattern must be 0 (ColorBars), 1 (Gradient), or 2 (Grid)")
		}
	case "v4l2":
		if c.V4L2Device == "" {
			return errors.New("V4L2Device cannot be empty")
		}
	case "ipc":
		if c.IPCSocketPath == "" {
			return errors.New("IPCSocketPath cannot be empty")
		}
	default:
		return errors.New("Source must be 'synthetic', 'v4l2', or 'ipc'")
	}

	if _, err := media.ParsePixelFormat(c.PixelFormat); err != nil {
		return fmt.Errorf("PixelFormat: %w", err)
	}

	if _, ok := media.ParseFrameSize(c.FrameSize); !ok {
		return errors.New("FrameSize must be one of QQVGA, QCIF, HQVGA, QVGA, CIF, VGA, SVGA, XGA, SXGA, UXGA")
	}

	if c.SensorQuality < 0 || c.SensorQuality > 63 {
		return errors.New("SensorQuality must be between 0 and 63")
	}

	if c.StreamQuality < 1 || c.StreamQuality > 100 {
		return errors.New("StreamQuality must be between 1 and 100")
	}

	if c.FrameBuffers < 1 || c.FrameBuffers > 16 {
		return errors.New("FrameBuffers must be between 1 and 16")
	}

	if c.AcquireTimeout <= 0 {
		return errors.New("AcquireTimeout must be positive")
	}

	if c.NetInterface != "" && c.NetPollInterval <= 0 {
		return errors.New("NetPollInterval must be positive")
	}

	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		return errors.New("MQTTTopic cannot be empty when MQTTBroker is set")
	}

	return nil
}

// DeviceConfig derives the fixed capture configuration. Call only on a
// validated Config.
func (c *Config) DeviceConfig() media.DeviceConfig {
	format, _ := media.ParsePixelFormat(c.PixelFormat)
	size, _ := media.ParseFrameSize(c.FrameSize)
	device := c.V4L2Device
	return media.DeviceConfig{
		PixelFormat:    format,
		FrameSize:      size,
		JPEGQuality:    c.SensorQuality,
		FrameBuffers:   c.FrameBuffers,
		AcquireTimeout: c.AcquireTimeout,
		DevicePath:     device,
	}
}

// IsDebug returns true if the log level is set to debug.
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// String returns a string representation of the config for logging purposes.
func (c *Config) String() string {
	return "Config{" +
		"HTTPListenAddr: " + c.HTTPListenAddr + ", " +
		"Source: " + c.Source + ", " +
		"PixelFormat: " + c.PixelFormat + ", " +
		"FrameSize: " + c.FrameSize + ", " +
		"SensorQuality: " + strconv.Itoa(c.SensorQuality) + ", " +
		"StreamQuality: " + strconv.Itoa(c.StreamQuality) + ", " +
		"FrameBuffers: " + strconv.Itoa(c.FrameBuffers) + ", " +
		"LightPin: " + c.LightPin + ", " +
		"NetInterface: " + c.NetInterface + ", " +
		"MQTTBroker: " + c.MQTTBroker + ", " +
		"LogLevel: " + c.LogLevel +
		"}"
}
