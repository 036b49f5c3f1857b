package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Muskantaranum/btshelf/pkg/api"
	"github.com/Muskantaranum/btshelf/pkg/config"
	"github.com/Muskantaranum/btshelf/pkg/esp32"
	"github.com/Muskantaranum/btshelf/pkg/feed"
	"github.com/Muskantaranum/btshelf/pkg/mock"
	"github.com/Muskantaranum/btshelf/pkg/shelf"
	"github.com/Muskantaranum/btshelf/pkg/store"
	"github.com/Muskantaranum/btshelf/pkg/telemetry"
)

const (
	statusPollInterval = 5 * time.Second
	reconnectDelay     = 15 * time.Second
)

type cmdConfig struct {
	configPath string
	name       string
	addr       string
	useMock    bool
	debug      bool
	reconnect  bool
}

var log = logrus.New()

func main() {

	// Parse command line options
	var cfg cmdConfig
	flag.StringVar(&cfg.configPath, "config", "", "path to configuration file")
	flag.StringVar(&cfg.name, "name", "", "name of remote peripheral (overrides configuration)")
	flag.StringVar(&cfg.addr, "addr", "", "address of remote peripheral (MAC on Linux, overrides configuration)")
	flag.BoolVar(&cfg.useMock, "mock", false, "use a synthetic shelf monitor instead of BLE hardware")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.BoolVar(&cfg.reconnect, "reconnect", true, "automatically re-establish a dropped session")
	flag.Parse()

	if cfg.debug {
		log.SetLevel(logrus.DebugLevel)
	}

	fileCfg, err := config.Load(cfg.configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %s", err)
	}
	if cfg.name != "" {
		fileCfg.Peripheral.Name = cfg.name
	}
	if cfg.addr != "" {
		fileCfg.Peripheral.Address = cfg.addr
	}

	monitor, err := newMonitor(cfg, fileCfg)
	if err != nil {
		log.Fatalf("Failed to initialize shelf monitor: %s", err)
	}

	sink := store.New(fileCfg.StoreConfig(), store.WithLogger(log))
	aggregator := telemetry.New(fileCfg.TelemetryConfig(),
		telemetry.WithSink(sink),
		telemetry.WithLogger(log),
	)
	aggregator.Start()

	var hub *feed.Hub
	if fileCfg.Feed.Enabled {
		hub = feed.NewHub(feed.WithLogger(log))
		feed.NewServer(hub, fileCfg.Feed.Endpoint)
		log.Infof("Telemetry feed listening on %s", fileCfg.Feed.Endpoint)

		aggregator.OnUpdate(hub.BroadcastTelemetry)
		aggregator.OnShock(func(event shelf.ShockEvent) {
			log.Warnf("Shock detected: weight %.2f g (delta %.2f g)", event.Weight, event.Delta)
			hub.BroadcastShock(event)
		})
	} else {
		aggregator.OnShock(func(event shelf.ShockEvent) {
			log.Warnf("Shock detected: weight %.2f g (delta %.2f g)", event.Weight, event.Delta)
		})
	}

	monitor.SetDataHandler(aggregator.HandleFrame)
	monitor.SetStatusHandler(func(status shelf.ConnectionStatus) {
		log.Infof("Connection status: %s", formatStatus(status))
		if hub != nil {
			hub.BroadcastStatus(status)
		}
	})

	if fileCfg.API.Enabled {
		api.New(monitor, aggregator, fileCfg.API.Endpoint)
		log.Infof("REST API listening on %s", fileCfg.API.Endpoint)
	}

	go sessionLoop(cfg, fileCfg, monitor)
	go pollStatus(monitor, aggregator)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)
	<-sigChan

	log.Infof("Got signal, terminating connection to device")
	aggregator.Stop()
	if err := monitor.Close(); err != nil {
		log.Errorf("Failed to close shelf monitor: %s", err)
	}
}

func newMonitor(cfg cmdConfig, fileCfg config.Config) (shelf.Monitor, error) {

	if cfg.useMock {
		return mock.New()
	}

	profile, err := esp32.ProfileByName(fileCfg.Peripheral.Profile)
	if err != nil {
		return nil, err
	}

	return esp32.New(
		esp32.WithProfile(profile),
		esp32.WithConnectTimeout(fileCfg.ConnectTimeout()),
		esp32.WithLogger(log),
	)
}

// sessionLoop establishes the session and, if enabled, re-establishes it
// whenever it settles back to idle
func sessionLoop(cfg cmdConfig, fileCfg config.Config, monitor shelf.Monitor) {

	identity := fileCfg.Identity()

	for {
		log.Infof("Scanning for shelf scale (address=%q name=%q)", identity.Address, identity.Name)

		if err := monitor.StartScan(identity, fileCfg.ScanTimeout()); err != nil {
			log.Errorf("Session failed: %s", err)
			log.Infof("Remedy: %s", shelf.Remedy(err))
		}

		if !cfg.reconnect {
			return
		}

		// Idle out the retry delay, but skip ahead while a session is live
		time.Sleep(reconnectDelay)
		for monitor.Status().State == shelf.StateSubscribed {
			time.Sleep(time.Second)
		}
	}
}

// pollStatus periodically logs the link and telemetry state
func pollStatus(monitor shelf.Monitor, aggregator *telemetry.Aggregator) {

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		status := monitor.Status()
		state := aggregator.State()

		if status.State != shelf.StateSubscribed {
			log.Debugf("Status: %s", formatStatus(status))
			continue
		}

		if state.Latest != nil {
			log.Infof("Status: %s, weight %.2f g, presence %s, low stock: %t, monitoring: %t",
				formatStatus(status), state.Latest.Weight, state.Latest.Presence,
				state.LowStock, state.Monitoring)
		} else {
			log.Infof("Status: %s, no reading yet", formatStatus(status))
		}
	}
}

func formatStatus(status shelf.ConnectionStatus) string {
	s := status.State.String()
	if status.Degraded {
		s += " (degraded)"
	}
	if status.Error != nil {
		s += ": " + status.Error.Error()
	}
	return s
}
