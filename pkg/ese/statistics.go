package ese

import (
	"avaneesh/ese-go/pkg/channel"
	"avaneesh/ese-go/pkg/device"
	"avaneesh/ese-go/pkg/t1"
)

// DeviceStatistics provides device-level statistics
type DeviceStatistics struct {
	ID           string                 `json:"id"`
	RefCount     int                    `json:"ref_count"`
	Direct       bool                   `json:"direct"`
	ResponseSize int                    `json:"response_size"`
	State        string                 `json:"state"`
	Session      t1.StatisticsSnapshot  `json:"session"`
	Transport    channel.TransportStats `json:"transport"`
}

// NewDeviceStatistics collects the statistics of dev
func NewDeviceStatistics(id string, dev *device.Device) DeviceStatistics {
	sess, transport := dev.Statistics()
	return DeviceStatistics{
		ID:           id,
		RefCount:     dev.RefCount(),
		Direct:       dev.Direct(),
		ResponseSize: dev.ResponseSize(),
		State:        dev.State().String(),
		Session:      sess,
		Transport:    transport,
	}
}
