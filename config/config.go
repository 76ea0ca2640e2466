package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/weatherradio/logger"
)

// ErrInvalidConfig marks configuration that can never work; the process exits instead of retrying.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the application configuration
type Config struct {
	Decoder     DecoderConfig    `mapstructure:"decoder"`
	MQTT        MQTTConfig       `mapstructure:"mqtt"`
	Normalizer  NormalizerConfig `mapstructure:"normalizer"`
	Pipeline    PipelineConfig   `mapstructure:"pipeline"`
	Logger      LoggerConfig     `mapstructure:"logger"`
	Status      StatusConfig     `mapstructure:"status"`
	DevicesFile string           `mapstructure:"devices_file"`
}

// DecoderConfig controls how rtl_433 is launched and supervised
type DecoderConfig struct {
	Path      string   `mapstructure:"path"`
	Frequency string   `mapstructure:"frequency"`
	Protocols []int    `mapstructure:"protocols"`
	ExtraArgs []string `mapstructure:"extra_args"`

	RestartInitialDelay time.Duration `mapstructure:"restart_initial_delay"`
	RestartMaxDelay     time.Duration `mapstructure:"restart_max_delay"`
	CrashLoopThreshold  int           `mapstructure:"crash_loop_threshold"`
	CrashLoopWindow     time.Duration `mapstructure:"crash_loop_window"`
	StopGracePeriod     time.Duration `mapstructure:"stop_grace_period"`
}

// Args returns the decoder arguments. JSON output on stdout and UTC timestamps are always selected.
func (d DecoderConfig) Args() []string {
	args := []string{"-F", "json", "-M", "utc"}
	if d.Frequency != "" {
		args = append(args, "-f", d.Frequency)
	}
	for _, p := range d.Protocols {
		args = append(args, "-R", fmt.Sprint(p))
	}
	return append(args, d.ExtraArgs...)
}

// MQTTConfig describes the broker connection and publishing behaviour
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	Retain         bool          `mapstructure:"retain"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	PayloadFormat  string        `mapstructure:"payload_format"`
	StatusTopic    bool          `mapstructure:"status_topic"`
	BufferSize     int           `mapstructure:"buffer_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`

	ReconnectInitialDelay time.Duration `mapstructure:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
}

// Payload formats
const (
	PayloadValue = "value"
	PayloadJSON  = "json"
)

// NormalizerConfig tunes record normalization
type NormalizerConfig struct {
	DedupWindow     time.Duration     `mapstructure:"dedup_window"`
	DedupMaxEntries int               `mapstructure:"dedup_max_entries"`
	Ignore          []string          `mapstructure:"ignore"`
	Scripts         map[string]Script `mapstructure:"scripts"`
	Validate        bool              `mapstructure:"validate"`
}

// Script is a JavaScript transform for one protocol
type Script struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// PipelineConfig sizes the hand-off queue between normalizer and publisher
type PipelineConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// LoggerConfig is the logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// StatusConfig controls the status HTTP endpoint
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ConfigChangeCallback is called with the re-read configuration after the file changes
type ConfigChangeCallback func(cfg *Config) error

func setDefaults(v *viper.Viper) {
	v.SetDefault("decoder.path", "rtl_433")
	v.SetDefault("decoder.frequency", "")
	v.SetDefault("decoder.protocols", []int{})
	v.SetDefault("decoder.extra_args", []string{})
	v.SetDefault("decoder.restart_initial_delay", time.Second)
	v.SetDefault("decoder.restart_max_delay", time.Minute)
	v.SetDefault("decoder.crash_loop_threshold", 5)
	v.SetDefault("decoder.crash_loop_window", 2*time.Minute)
	v.SetDefault("decoder.stop_grace_period", 5*time.Second)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.topic_prefix", "weatherradio")
	v.SetDefault("mqtt.payload_format", PayloadValue)
	v.SetDefault("mqtt.status_topic", true)
	v.SetDefault("mqtt.buffer_size", 500)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.reconnect_initial_delay", time.Second)
	v.SetDefault("mqtt.reconnect_max_delay", 2*time.Minute)

	v.SetDefault("normalizer.dedup_window", 3*time.Second)
	v.SetDefault("normalizer.dedup_max_entries", 1024)
	v.SetDefault("normalizer.ignore", []string{})
	v.SetDefault("normalizer.validate", true)

	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.shutdown_grace", 5*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.listen", ":9433")

	v.SetDefault("devices_file", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WEATHERRADIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads the configuration file at configPath. An empty path yields the defaults
// (plus environment overrides).
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, configPath, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}

	return &config, nil
}

// Validate checks the values that cannot be recovered from at runtime
func (c *Config) Validate() error {
	var errs []error

	if c.Decoder.Path == "" {
		errs = append(errs, errors.New("decoder.path is empty"))
	}
	if c.Decoder.CrashLoopThreshold < 1 {
		errs = append(errs, errors.New("decoder.crash_loop_threshold must be at least 1"))
	}
	if c.Decoder.RestartMaxDelay < c.Decoder.RestartInitialDelay {
		errs = append(errs, errors.New("decoder.restart_max_delay is shorter than restart_initial_delay"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is empty"))
	}
	if c.MQTT.Password != "" && c.MQTT.Username == "" {
		errs = append(errs, errors.New("mqtt.password given without mqtt.username"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS))
	}
	if c.MQTT.TopicPrefix == "" {
		errs = append(errs, errors.New("mqtt.topic_prefix is empty"))
	}
	if c.MQTT.PayloadFormat != PayloadValue && c.MQTT.PayloadFormat != PayloadJSON {
		errs = append(errs, fmt.Errorf("mqtt.payload_format %q is not %q or %q", c.MQTT.PayloadFormat, PayloadValue, PayloadJSON))
	}
	if c.MQTT.BufferSize < 1 {
		errs = append(errs, errors.New("mqtt.buffer_size must be positive"))
	}
	if c.Normalizer.DedupWindow < 0 {
		errs = append(errs, errors.New("normalizer.dedup_window is negative"))
	}
	if c.Normalizer.DedupMaxEntries < 1 {
		errs = append(errs, errors.New("normalizer.dedup_max_entries must be positive"))
	}
	for protocol, s := range c.Normalizer.Scripts {
		if s.ScriptCode == "" && s.ScriptPath == "" {
			errs = append(errs, fmt.Errorf("normalizer.scripts.%s has neither script_code nor script_path", protocol))
		}
	}
	if c.Pipeline.QueueSize < 1 {
		errs = append(errs, errors.New("pipeline.queue_size must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// WatchConfig watches the configuration file and calls callback with the re-read
// configuration after each write.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper()
	v.SetConfigFile(absPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	// editors often emit several writes per save
	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("config file changed: %s", e.Name)

		var newConfig Config
		if err := v.Unmarshal(&newConfig); err != nil {
			logger.Warn("failed to decode changed config: %v", err)
			return
		}
		if err := callback(&newConfig); err != nil {
			logger.Warn("failed to apply changed config: %v", err)
		}
	})
	v.WatchConfig()

	return nil
}
