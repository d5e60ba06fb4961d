package main

import (
	"bytes"
	"fmt"
	"time"

	"avaneesh/ese-go/pkg/cardsim"
	"avaneesh/ese-go/pkg/config"
	"avaneesh/ese-go/pkg/ese"
)

const simReadTimeout = 200 * time.Millisecond

// selectPrefix is the command header of SELECT by name
var selectPrefix = []byte{0x00, 0xA4, 0x04, 0x00}

// simulatedApplet answers SELECT with a minimal FCI and echoes anything else
func simulatedApplet(apdu []byte) []byte {
	if bytes.HasPrefix(apdu, selectPrefix) {
		return []byte{0x6F, 0x03, 0x84, 0x01, 0x00, 0x90, 0x00}
	}
	return cardsim.Echo(apdu)
}

// addDevices registers every configured device. The returned functions stop
// the simulators that were started, even when an error is returned.
func addDevices(mgr *ese.Manager, entries []config.DeviceEntry, log ese.Logger) ([]func(), error) {
	var stops []func()
	for _, entry := range entries {
		if entry.Simulated() {
			card := cardsim.New(simulatedApplet, cardsim.WithLogger(log))
			ch, stop := cardsim.Pipe(card, simReadTimeout)
			stops = append(stops, stop)
			if _, err := mgr.AddDevice(entry.ID, ch, entry.DeviceConfig()); err != nil {
				return stops, fmt.Errorf("device %s: %w", entry.ID, err)
			}
			log.Info("esed: simulated device %s ready", entry.ID)
			continue
		}

		chCfg, err := entry.ChannelConfig()
		if err != nil {
			return stops, fmt.Errorf("device %s: %w", entry.ID, err)
		}
		if _, err := mgr.Dial(entry.ID, chCfg, entry.DeviceConfig()); err != nil {
			return stops, fmt.Errorf("device %s: %w", entry.ID, err)
		}
		log.Info("esed: device %s on %s %s", entry.ID, chCfg.Kind, chCfg.Address)
	}
	return stops, nil
}
