package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddielth/weatherradio/api"
	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/health"
	"github.com/eddielth/weatherradio/logger"
	"github.com/eddielth/weatherradio/metrics"
	"github.com/eddielth/weatherradio/mqtt"
	"github.com/eddielth/weatherradio/parser"
	"github.com/eddielth/weatherradio/pipeline"
	"github.com/eddielth/weatherradio/supervisor"
	"github.com/eddielth/weatherradio/transformer"
	"github.com/eddielth/weatherradio/validator"
)

// Process exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
	exitDecoder = 3
	exitBroker  = 4
)

const statsInterval = time.Minute

type options struct {
	configFile  string
	devicesFile string
	logLevel    string
	decoder     string
	broker      string
	frequency   string
	protocols   []int
	ignore      []string
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "weatherradio",
		Short:         "Publish rtl_433 weather sensor readings to an MQTT broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to configuration file")
	flags.StringVarP(&opts.devicesFile, "devices", "d", "", "Path to device mapping file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.decoder, "decoder", "", "Path to the rtl_433 binary")
	flags.StringVar(&opts.broker, "broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	flags.StringVarP(&opts.frequency, "frequency", "f", "", "Receive frequency passed to rtl_433")
	flags.IntSliceVarP(&opts.protocols, "protocol", "R", nil, "rtl_433 protocol numbers to enable")
	flags.StringSliceVar(&opts.ignore, "ignore", nil, "Sensors to drop: protocol[/device_id[/channel]]")

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err != nil {
		logger.Error("%v", err)
	}
	logger.Close()
	return exitCode(err)
}

// exitCode maps a run error to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalidConfig):
		return exitConfig
	case errors.Is(err, supervisor.ErrDecoderNotFound),
		errors.Is(err, supervisor.ErrDecoderStart),
		errors.Is(err, supervisor.ErrCrashLoop):
		return exitDecoder
	case errors.Is(err, mqtt.ErrAuthRejected):
		return exitBroker
	default:
		return exitFailure
	}
}

// loadConfig reads the configuration file and applies the command line overrides
func loadConfig(cmd *cobra.Command, opts options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("devices") {
		cfg.DevicesFile = opts.devicesFile
	}
	if changed("log-level") {
		cfg.Logger.Level = opts.logLevel
	}
	if changed("decoder") {
		cfg.Decoder.Path = opts.decoder
	}
	if changed("broker") {
		cfg.MQTT.Broker = opts.broker
	}
	if changed("frequency") {
		cfg.Decoder.Frequency = opts.frequency
	}
	if changed("protocol") {
		cfg.Decoder.Protocols = opts.protocols
	}
	if changed("ignore") {
		cfg.Normalizer.Ignore = append(cfg.Normalizer.Ignore, opts.ignore...)
	}

	if _, err := logger.ParseLogLevel(cfg.Logger.Level); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cobra.Command, opts options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		return fmt.Errorf("%w: logger: %v", config.ErrInvalidConfig, err)
	}

	devices, err := config.LoadDeviceMap(cfg.DevicesFile)
	if err != nil {
		return err
	}
	logger.Info("loaded %d device mappings", devices.Len())

	m := metrics.New()
	h := health.NewTracker()
	m.Track(h)

	sup, err := supervisor.New(supervisor.FromConfig(cfg.Decoder), m, h)
	if err != nil {
		return err
	}

	var checks *validator.Set
	if cfg.Normalizer.Validate {
		checks = validator.DefaultSet()
	}
	normalizer, err := transformer.NewNormalizer(cfg.Normalizer, devices, checks, m)
	if err != nil {
		return err
	}

	client, err := mqtt.NewClient(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	publisher := mqtt.NewPublisher(cfg.MQTT, client, m, h)

	controller := pipeline.New(cfg.Pipeline, sup, parser.New(m), normalizer, publisher, m)

	if cfg.Status.Enabled {
		server := api.NewAPI(m, h, cfg.Status.Listen)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("status endpoint: %v", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Warn("status endpoint shutdown: %v", err)
			}
		}()
	}

	if opts.configFile != "" {
		err := config.WatchConfig(opts.configFile, func(newCfg *config.Config) error {
			if err := normalizer.ReloadScripts(newCfg.Normalizer.Scripts); err != nil {
				// the remaining scripts were still applied
				logger.Error("failed to reload transform scripts: %v", err)
			}
			if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
				return err
			}
			logger.Info("log level set to %s; other configuration changes apply after a restart", newCfg.Logger.Level)
			return nil
		})
		if err != nil {
			logger.Warn("failed to watch config file: %v", err)
		}
	}

	go logStats(ctx, m, controller, publisher)

	logger.Info("weatherradio started: decoder %s, broker %s", cfg.Decoder.Path, cfg.MQTT.Broker)
	err = controller.Run(ctx)
	logStatsOnce(m)
	if err != nil {
		return err
	}
	logger.Info("weatherradio stopped")
	return nil
}

func logStats(ctx context.Context, m *metrics.Metrics, c *pipeline.Controller, p *mqtt.Publisher) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("queue %d, buffered %d, broker connected %t", c.QueueLen(), p.Buffered(), p.Connected())
			logStatsOnce(m)
		}
	}
}

func logStatsOnce(m *metrics.Metrics) {
	snapshot := m.Snapshot()
	parts := make([]string, 0, len(snapshot))
	for _, k := range metrics.Keys(snapshot) {
		if v := snapshot[k]; v != 0 {
			parts = append(parts, fmt.Sprintf("%s=%g", strings.TrimPrefix(k, "weatherradio_"), v))
		}
	}
	logger.Info("stats: %s", strings.Join(parts, " "))
}
