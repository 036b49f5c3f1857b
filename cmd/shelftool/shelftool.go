package main

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Muskantaranum/btshelf/pkg/esp32"
	"github.com/Muskantaranum/btshelf/pkg/frame"
	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

type config struct {
	name    string
	addr    string
	profile string
	timeout time.Duration
	listen  time.Duration

	decode string
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var cfg config
	flag.StringVar(&cfg.name, "name", "esp32_scale_bt", "Name of remote peripheral")
	flag.StringVar(&cfg.addr, "addr", "", "Address of remote peripheral (MAC on Linux)")
	flag.StringVar(&cfg.profile, "profile", "serial", "GATT profile to subscribe to (serial / extended)")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Scan timeout")
	flag.DurationVar(&cfg.listen, "listen", 30*time.Second, "How long to dump received frames")

	flag.StringVar(&cfg.decode, "decode", "", "Decode a single frame payload and exit")
	flag.Parse()

	if cfg.decode != "" {
		return decodeFrame(cfg.decode)
	}

	profile, err := esp32.ProfileByName(cfg.profile)
	if err != nil {
		return err
	}

	s, err := esp32.New(
		esp32.WithProfile(profile),
		esp32.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize shelf monitor: %s", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = cerr
		}
	}()

	s.SetDataHandler(func(data []byte) {
		reading, err := frame.Decode(data)
		if err != nil {
			log.Warnf("Frame %q: %s", data, err)
			return
		}
		log.Infof("Frame %q -> weight %.2f g, presence %s", data, reading.Weight, reading.Presence)
	})

	identity := shelf.PeripheralIdentity{Address: cfg.addr, Name: cfg.name}
	log.Infof("Scanning for shelf scale (address=%q name=%q)", identity.Address, identity.Name)

	if err := s.StartScan(identity, cfg.timeout); err != nil {

		var notFound *shelf.NotFoundError
		if errors.As(err, &notFound) {
			log.Warnf("Target not found, %d device(s) discovered during scan:", len(notFound.Discovered))
			for _, p := range notFound.Discovered {
				log.Warnf("  %s  %-24q rssi=%d connectable=%t", p.Address, p.Name, p.RSSI, p.Connectable)
			}
		}

		log.Errorf("Remedy: %s", shelf.Remedy(err))
		return err
	}

	status := s.Status()
	log.Infof("Subscribed (degraded=%t), dumping frames for %s", status.Degraded, cfg.listen)
	time.Sleep(cfg.listen)

	status = s.Status()
	log.Infof("Session summary: %d frame(s) in %s", status.Frames, status.Uptime.Round(time.Second))

	return s.Disconnect()
}

func decodeFrame(payload string) error {

	reading, err := frame.Decode([]byte(payload))
	if err != nil {
		return err
	}

	fmt.Printf("weight:   %.2f g\npresence: %s\n", reading.Weight, reading.Presence)
	if reading.Location != "" {
		fmt.Printf("location: %s\n", reading.Location)
	}

	return nil
}
