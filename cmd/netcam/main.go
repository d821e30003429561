package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/zachmartin/netcam/internal/config"
	"github.com/zachmartin/netcam/internal/encode"
	"github.com/zachmartin/netcam/internal/light"
	"github.com/zachmartin/netcam/internal/logging"
	"github.com/zachmartin/netcam/internal/media"
	"github.com/zachmartin/netcam/internal/netevent"
	"github.com/zachmartin/netcam/internal/pipeline"
	"github.com/zachmartin/netcam/internal/server"
	"github.com/zachmartin/netcam/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	log.Info().Str("config", cfg.String()).Msg("netcam starting")

	source, err := openSource(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("source", cfg.Source).Msg("failed to open frame source")
	}
	defer source.Close()

	lc, err := openLight(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("pin", cfg.LightPin).Msg("failed to set up light")
	}

	p := pipeline.New(source, encode.New(cfg.StreamQuality), log)
	srv := server.New(server.Options{
		Addr:            cfg.HTTPListenAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, p, settings.NewHandler(source, log), lc, log)

	bus := netevent.NewBus()
	srv.Attach(bus)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bridge *netevent.MQTTBridge
	switch {
	case cfg.NetInterface != "":
		w := netevent.NewWatcher(cfg.NetInterface, cfg.NetPollInterval, bus, log)
		go w.Run(ctx)
	case cfg.MQTTBroker != "":
		bridge = netevent.NewMQTTBridge(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID, bus, log)
		if err := bridge.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
	default:
		bus.Publish(netevent.Event{Kind: netevent.Connected, Source: "startup"})
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if bridge != nil {
		bridge.Close()
	}
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("netcam stopped")
}

func openSource(cfg *config.Config, log zerolog.Logger) (media.Source, error) {
	dev := cfg.DeviceConfig()
	switch cfg.Source {
	case "v4l2":
		src, err := media.OpenV4L2Source(dev, log)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "ipc":
		src := media.NewIPCSource(cfg.IPCSocketPath, dev, log)
		if err := src.Start(); err != nil {
			return nil, err
		}
		return src, nil
	default:
		return media.NewSyntheticSource(dev, cfg.SyntheticFPS, media.Pattern(cfg.SyntheticPattern), log), nil
	}
}

func openLight(cfg *config.Config, log zerolog.Logger) (*light.Controller, error) {
	if cfg.LightPin == "" {
		return light.NewController(&light.MemoryPin{}, log)
	}
	pin, err := light.OpenGPIOPin(cfg.LightPin)
	if err != nil {
		return nil, err
	}
	return light.NewController(pin, log)
}
