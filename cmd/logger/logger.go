package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fako1024/btprobe"
	"github.com/fako1024/btprobe/gattble"
	"github.com/fako1024/btprobe/internal/config"
	"github.com/fako1024/btprobe/mqttsink"
	"github.com/fako1024/btprobe/tinyble"
)

type flags struct {
	configPath string
	backend    string
	addr       string
	debug      bool
}

func main() {

	// Parse command line options
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to YAML config file")
	flag.StringVar(&f.backend, "backend", "", "bluetooth backend (gatt or tinygo)")
	flag.StringVar(&f.addr, "addr", "", "comma separated addresses of probes to monitor (MAC on Linux, UUID on OS X)")
	flag.BoolVar(&f.debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			btprobe.NewDefaultLogger(false).Fatalf("failed to load config: %s", err)
		}
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if f.addr != "" {
		cfg.Devices = strings.Split(f.addr, ",")
	}
	cfg.Debug = cfg.Debug || f.debug

	logger := btprobe.NewDefaultLogger(cfg.Debug)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, closeTransport, err := newTransport(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to initialize bluetooth transport: %s", err)
	}

	var sink btprobe.Sink = btprobe.SinkFunc(func(u btprobe.Update) error {
		logger.Infof("got data: %s", &u)
		return nil
	})
	if cfg.MQTT.Enabled {
		mqttSink := mqttsink.New(mqttsink.Config{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
		}, mqttsink.WithLogger(logger))
		if err := mqttSink.Connect(ctx); err != nil {
			logger.Fatalf("failed to connect to MQTT broker: %s", err)
		}
		defer mqttSink.Disconnect()
		sink = mqttSink
	}

	manager := btprobe.NewManager(transport, sink,
		btprobe.WithManagerLogger(logger),
		btprobe.WithCoordinatorOptions(
			btprobe.WithCharacteristic(cfg.Characteristic),
			btprobe.WithConnectTimeout(cfg.ConnectTimeout),
			btprobe.WithStateChangeHandler(func(st btprobe.ConnectionStatus) {
				if st.Error != nil {
					logger.Warnf("state change of `%s`: %s (%s)", st.Address, st.State, st.Error)
					return
				}
				logger.Infof("state change of `%s`: %s", st.Address, st.State)
			}),
			btprobe.WithCookDoneHandler(func(device btprobe.Device) {
				logger.Infof("%s is ready to be removed", device.Title())
			}),
		),
	)
	manager.SetAllowedAddresses(cfg.Devices...)

	sigChan := make(chan os.Signal, 32)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		logger.Infof("got signal, terminating connections to devices")
		cancel()
	}()

	if err := manager.Run(ctx); err != nil {
		logger.Errorf("error scanning for devices: %s", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := manager.Close(closeCtx); err != nil {
		logger.Errorf("failed to close devices: %s", err)
	}
	if err := closeTransport(); err != nil {
		logger.Errorf("failed to close bluetooth transport: %s", err)
	}
}

func newTransport(cfg *config.Config, logger btprobe.Logger) (btprobe.Transport, func() error, error) {
	if cfg.Backend == config.BackendTinyGo {
		t := tinyble.New(tinyble.WithLogger(logger))
		if err := t.Enable(); err != nil {
			return nil, nil, err
		}
		return t, func() error { return nil }, nil
	}

	t, err := gattble.New(gattble.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return t, t.Close, nil
}
