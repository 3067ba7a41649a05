package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/ballrig/internal/ingest"
	"github.com/banshee-data/ballrig/internal/transport"
	"github.com/banshee-data/ballrig/internal/treadmill"
)

// ExampleConfigPath is the annotated example rig configuration.
const ExampleConfigPath = "config/rig.example.yaml"

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// RigConfig is the on-disk configuration of one rig. Every field is a
// pointer so partial files are safe: the Get* accessors supply defaults for
// anything left out.
type RigConfig struct {
	Transport   TransportConfig   `json:"transport" yaml:"transport"`
	Sensor      SensorConfig      `json:"sensor" yaml:"sensor"`
	Buffer      BufferConfig      `json:"buffer" yaml:"buffer"`
	Calibration CalibrationConfig `json:"calibration" yaml:"calibration"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`

	// AdminListen is the address of the /debug/ admin server. Empty disables
	// it.
	AdminListen *string `json:"admin_listen,omitempty" yaml:"admin_listen,omitempty"`
}

type TransportConfig struct {
	Kind        *string `json:"kind,omitempty" yaml:"kind,omitempty"` // serial|tcp-client|tcp-server|udp|pcap|disabled
	Path        *string `json:"path,omitempty" yaml:"path,omitempty"` // serial device or pcap file
	DeviceIndex *int    `json:"device_index,omitempty" yaml:"device_index,omitempty"`
	Host        *string `json:"host,omitempty" yaml:"host,omitempty"`
	Port        *int    `json:"port,omitempty" yaml:"port,omitempty"`

	BaudRate *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	Parity   *string `json:"parity,omitempty" yaml:"parity,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	// Streaming sends the start/stop commands when the port opens/closes.
	Streaming *bool `json:"streaming,omitempty" yaml:"streaming,omitempty"`

	ReadTimeout      *string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"` // duration string like "1s"
	StreamFrameSize  *int    `json:"stream_frame_size,omitempty" yaml:"stream_frame_size,omitempty"`
	ReconnectBackoff *string `json:"reconnect_backoff,omitempty" yaml:"reconnect_backoff,omitempty"` // duration string like "5s"
	RetryBudget      *int    `json:"retry_budget,omitempty" yaml:"retry_budget,omitempty"`

	PcapRealtime *bool `json:"pcap_realtime,omitempty" yaml:"pcap_realtime,omitempty"`
	PcapLoop     *bool `json:"pcap_loop,omitempty" yaml:"pcap_loop,omitempty"`
}

type SensorConfig struct {
	Variant               *string `json:"variant,omitempty" yaml:"variant,omitempty"` // optical12|pixart6
	ClipPixels            *int    `json:"clip_pixels,omitempty" yaml:"clip_pixels,omitempty"`
	FramingErrorThreshold *int    `json:"framing_error_threshold,omitempty" yaml:"framing_error_threshold,omitempty"`
	StrictSync            *bool   `json:"strict_sync,omitempty" yaml:"strict_sync,omitempty"`
	StatsInterval         *string `json:"stats_interval,omitempty" yaml:"stats_interval,omitempty"`
}

type BufferConfig struct {
	Capacity *int `json:"capacity,omitempty" yaml:"capacity,omitempty"`
}

type CalibrationConfig struct {
	PitchScale         *float64 `json:"pitch_scale,omitempty" yaml:"pitch_scale,omitempty"`
	RollScale          *float64 `json:"roll_scale,omitempty" yaml:"roll_scale,omitempty"`
	YawScale           *float64 `json:"yaw_scale,omitempty" yaml:"yaw_scale,omitempty"`
	BallDiameterInches *float64 `json:"ball_diameter_inches,omitempty" yaml:"ball_diameter_inches,omitempty"`
	ForwardMultiplier  *float64 `json:"forward_multiplier,omitempty" yaml:"forward_multiplier,omitempty"`
	SideMultiplier     *float64 `json:"side_multiplier,omitempty" yaml:"side_multiplier,omitempty"`

	Reverse             *bool `json:"reverse_direction,omitempty" yaml:"reverse_direction,omitempty"`
	AllowMovement       *bool `json:"allow_movement,omitempty" yaml:"allow_movement,omitempty"`
	AllowRotationByYaw  *bool `json:"allow_rotation_yaw,omitempty" yaml:"allow_rotation_yaw,omitempty"`
	AllowRotationByRoll *bool `json:"allow_rotation_roll,omitempty" yaml:"allow_rotation_roll,omitempty"`

	MaxRotationSpeed *float64 `json:"max_rotation_speed,omitempty" yaml:"max_rotation_speed,omitempty"`
	TurnGain         *float64 `json:"turn_gain,omitempty" yaml:"turn_gain,omitempty"`
	FollowPath       *bool    `json:"follow_path,omitempty" yaml:"follow_path,omitempty"`
	PathRotationMix  *float64 `json:"path_rotation_mix,omitempty" yaml:"path_rotation_mix,omitempty"`
}

type DiagnosticsConfig struct {
	LogDir        *string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	JSONLinesFile *string `json:"jsonl_file,omitempty" yaml:"jsonl_file,omitempty"`
	DBPath        *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	FlushInterval *string `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	QueueSize     *int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	MaxSizeMB     *int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups    *int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultRigConfig returns a config with every field set to its default.
func DefaultRigConfig() *RigConfig {
	cal := treadmill.DefaultCalibration()
	return &RigConfig{
		Transport: TransportConfig{
			Kind:             ptrString(string(transport.KindSerial)),
			Path:             ptrString(""),
			DeviceIndex:      ptrInt(0),
			Host:             ptrString(""),
			Port:             ptrInt(0),
			BaudRate:         ptrInt(transport.SensorBaudRate),
			DataBits:         ptrInt(8),
			Parity:           ptrString("N"),
			StopBits:         ptrInt(1),
			Streaming:        ptrBool(true),
			ReadTimeout:      ptrString("1s"),
			StreamFrameSize:  ptrInt(ingest.DefaultStreamFrameSize),
			ReconnectBackoff: ptrString("5s"),
			RetryBudget:      ptrInt(0),
			PcapRealtime:     ptrBool(true),
			PcapLoop:         ptrBool(false),
		},
		Sensor: SensorConfig{
			Variant:               ptrString(treadmill.Optical12.Name),
			ClipPixels:            ptrInt(treadmill.DefaultClipPixels),
			FramingErrorThreshold: ptrInt(ingest.DefaultFramingErrorThreshold),
			StrictSync:            ptrBool(false),
			StatsInterval:         ptrString("30s"),
		},
		Buffer: BufferConfig{Capacity: ptrInt(0)},
		Calibration: CalibrationConfig{
			PitchScale:          ptrFloat64(cal.PitchScale),
			RollScale:           ptrFloat64(cal.RollScale),
			YawScale:            ptrFloat64(cal.YawScale),
			BallDiameterInches:  ptrFloat64(cal.BallDiameterInches),
			ForwardMultiplier:   ptrFloat64(cal.ForwardMultiplier),
			SideMultiplier:      ptrFloat64(cal.SideMultiplier),
			Reverse:             ptrBool(cal.Reverse),
			AllowMovement:       ptrBool(cal.AllowMovement),
			AllowRotationByYaw:  ptrBool(cal.AllowRotationByYaw),
			AllowRotationByRoll: ptrBool(cal.AllowRotationByRoll),
			MaxRotationSpeed:    ptrFloat64(cal.MaxRotationSpeed),
			TurnGain:            ptrFloat64(cal.TurnGain),
			FollowPath:          ptrBool(cal.FollowPath),
			PathRotationMix:     ptrFloat64(cal.PathRotationMix),
		},
		Diagnostics: DiagnosticsConfig{
			LogDir:        ptrString(""),
			JSONLinesFile: ptrString("treadmill.jsonl"),
			DBPath:        ptrString(""),
			FlushInterval: ptrString("1s"),
			QueueSize:     ptrInt(4096),
			MaxSizeMB:     ptrInt(100),
			MaxBackups:    ptrInt(10),
		},
		AdminListen: ptrString(""),
	}
}

// LoadRigConfig reads a .json, .yaml or .yml rig configuration. Files over
// 1MB are refused. Omitted fields keep their defaults via the Get* methods.
func LoadRigConfig(path string) (*RigConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RigConfig{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field.
func (c *RigConfig) Validate() error {
	var errs []error

	if c.Transport.Kind != nil {
		if _, err := transport.ParseKind(*c.Transport.Kind); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Sensor.Variant != nil {
		if _, err := treadmill.VariantByName(*c.Sensor.Variant); err != nil {
			errs = append(errs, err)
		}
	}
	for name, d := range map[string]*string{
		"transport.read_timeout":      c.Transport.ReadTimeout,
		"transport.reconnect_backoff": c.Transport.ReconnectBackoff,
		"sensor.stats_interval":       c.Sensor.StatsInterval,
		"diagnostics.flush_interval":  c.Diagnostics.FlushInterval,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s '%s': %w", name, *d, err))
		} else if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, *d))
		}
	}
	for name, v := range map[string]*int{
		"transport.device_index":         c.Transport.DeviceIndex,
		"transport.retry_budget":         c.Transport.RetryBudget,
		"transport.stream_frame_size":    c.Transport.StreamFrameSize,
		"sensor.clip_pixels":             c.Sensor.ClipPixels,
		"sensor.framing_error_threshold": c.Sensor.FramingErrorThreshold,
		"buffer.capacity":                c.Buffer.Capacity,
		"diagnostics.queue_size":         c.Diagnostics.QueueSize,
	} {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, *v))
		}
	}
	if p := c.Transport.Port; p != nil && (*p < 0 || *p > 65535) {
		errs = append(errs, fmt.Errorf("transport.port must be between 0 and 65535, got %d", *p))
	}
	if _, err := c.PortOptions().Normalise(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if err := c.GetCalibration().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("calibration: %w", err))
	}
	return errors.Join(errs...)
}

func getDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func getString(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetKind returns the transport kind, serial by default.
func (c *RigConfig) GetKind() transport.Kind {
	k, err := transport.ParseKind(getString(c.Transport.Kind, ""))
	if err != nil {
		return transport.KindSerial
	}
	return k
}

func (c *RigConfig) GetVariant() treadmill.Variant {
	v, err := treadmill.VariantByName(getString(c.Sensor.Variant, ""))
	if err != nil {
		return treadmill.Optical12
	}
	return v
}

func (c *RigConfig) GetReadTimeout() time.Duration {
	return getDuration(c.Transport.ReadTimeout, transport.DefaultIOTimeout)
}

func (c *RigConfig) GetReconnectBackoff() time.Duration {
	return getDuration(c.Transport.ReconnectBackoff, ingest.DefaultReconnectBackoff)
}

func (c *RigConfig) GetStatsInterval() time.Duration {
	return getDuration(c.Sensor.StatsInterval, 30*time.Second)
}

func (c *RigConfig) GetFlushInterval() time.Duration {
	return getDuration(c.Diagnostics.FlushInterval, time.Second)
}

func (c *RigConfig) GetQueueSize() int { return getInt(c.Diagnostics.QueueSize, 4096) }

func (c *RigConfig) GetLogDir() string { return getString(c.Diagnostics.LogDir, "") }

func (c *RigConfig) GetJSONLinesFile() string {
	return getString(c.Diagnostics.JSONLinesFile, "treadmill.jsonl")
}

func (c *RigConfig) GetDBPath() string { return getString(c.Diagnostics.DBPath, "") }

func (c *RigConfig) GetMaxSizeMB() int { return getInt(c.Diagnostics.MaxSizeMB, 100) }

func (c *RigConfig) GetMaxBackups() int { return getInt(c.Diagnostics.MaxBackups, 10) }

func (c *RigConfig) GetAdminListen() string { return getString(c.AdminListen, "") }

// PortOptions returns the serial line settings, normalised when they are
// valid.
func (c *RigConfig) PortOptions() transport.PortOptions {
	opts := transport.PortOptions{
		BaudRate: getInt(c.Transport.BaudRate, 0),
		DataBits: getInt(c.Transport.DataBits, 0),
		StopBits: getInt(c.Transport.StopBits, 0),
		Parity:   getString(c.Transport.Parity, ""),
	}
	if n, err := opts.Normalise(); err == nil {
		return n
	}
	return opts
}

// GetCalibration converts the calibration section, filling gaps from
// treadmill.DefaultCalibration.
func (c *RigConfig) GetCalibration() treadmill.Calibration {
	d := treadmill.DefaultCalibration()
	cc := c.Calibration
	return treadmill.Calibration{
		PitchScale:          getFloat(cc.PitchScale, d.PitchScale),
		RollScale:           getFloat(cc.RollScale, d.RollScale),
		YawScale:            getFloat(cc.YawScale, d.YawScale),
		BallDiameterInches:  getFloat(cc.BallDiameterInches, d.BallDiameterInches),
		ForwardMultiplier:   getFloat(cc.ForwardMultiplier, d.ForwardMultiplier),
		SideMultiplier:      getFloat(cc.SideMultiplier, d.SideMultiplier),
		Reverse:             getBool(cc.Reverse, d.Reverse),
		AllowMovement:       getBool(cc.AllowMovement, d.AllowMovement),
		AllowRotationByYaw:  getBool(cc.AllowRotationByYaw, d.AllowRotationByYaw),
		AllowRotationByRoll: getBool(cc.AllowRotationByRoll, d.AllowRotationByRoll),
		MaxRotationSpeed:    getFloat(cc.MaxRotationSpeed, d.MaxRotationSpeed),
		TurnGain:            getFloat(cc.TurnGain, d.TurnGain),
		FollowPath:          getBool(cc.FollowPath, d.FollowPath),
		PathRotationMix:     getFloat(cc.PathRotationMix, d.PathRotationMix),
	}
}

// GetTransport builds the transport section for the configured kind.
func (c *RigConfig) GetTransport() transport.Config {
	kind := c.GetKind()
	timeout := c.GetReadTimeout()
	path := getString(c.Transport.Path, "")
	return transport.Config{
		Kind: kind,
		Serial: transport.SerialConfig{
			Path:        path,
			DeviceIndex: getInt(c.Transport.DeviceIndex, 0),
			Options:     c.PortOptions(),
			ReadTimeout: timeout,
			Streaming:   getBool(c.Transport.Streaming, true),
		},
		Socket: transport.SocketConfig{
			Host:    getString(c.Transport.Host, ""),
			Port:    getInt(c.Transport.Port, 0),
			Timeout: timeout,
		},
		Pcap: transport.PcapConfig{
			Path:     path,
			Port:     getInt(c.Transport.Port, 0),
			Realtime: getBool(c.Transport.PcapRealtime, true),
			Loop:     getBool(c.Transport.PcapLoop, false),
		},
	}
}

// SessionConfig builds the ingestion session settings. The caller attaches
// a diagnostics sink.
func (c *RigConfig) SessionConfig() ingest.Config {
	return ingest.Config{
		Transport:             c.GetTransport(),
		Variant:               c.GetVariant(),
		ClipPixels:            getInt(c.Sensor.ClipPixels, treadmill.DefaultClipPixels),
		BufferCapacity:        getInt(c.Buffer.Capacity, 0),
		StreamFrameSize:       getInt(c.Transport.StreamFrameSize, ingest.DefaultStreamFrameSize),
		FramingErrorThreshold: getInt(c.Sensor.FramingErrorThreshold, ingest.DefaultFramingErrorThreshold),
		StrictSync:            getBool(c.Sensor.StrictSync, false),
		ReconnectBackoff:      c.GetReconnectBackoff(),
		RetryBudget:           getInt(c.Transport.RetryBudget, 0),
		StatsInterval:         c.GetStatsInterval(),
	}
}
