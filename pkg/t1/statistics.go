package t1

import (
	"sync/atomic"
	"time"
)

// Statistics tracks block protocol metrics. Fields are updated atomically
// so they can be read while a session is busy.
type Statistics struct {
	// Block counts
	TxIFrames uint64
	TxRFrames uint64
	TxSFrames uint64
	RxIFrames uint64
	RxRFrames uint64
	RxSFrames uint64

	// Message counts
	TxMessages uint64
	RxMessages uint64

	// Recovery
	LRCErrors       uint64
	Retransmissions uint64
	Timeouts        uint64
	Resyncs         uint64
	WTXRequests     uint64
	Failures        uint64

	lastRxTimeNano int64
}

// StatisticsSnapshot is a point-in-time copy of Statistics
type StatisticsSnapshot struct {
	TxIFrames       uint64    `json:"tx_iframes"`
	TxRFrames       uint64    `json:"tx_rframes"`
	TxSFrames       uint64    `json:"tx_sframes"`
	RxIFrames       uint64    `json:"rx_iframes"`
	RxRFrames       uint64    `json:"rx_rframes"`
	RxSFrames       uint64    `json:"rx_sframes"`
	TxMessages      uint64    `json:"tx_messages"`
	RxMessages      uint64    `json:"rx_messages"`
	LRCErrors       uint64    `json:"lrc_errors"`
	Retransmissions uint64    `json:"retransmissions"`
	Timeouts        uint64    `json:"timeouts"`
	Resyncs         uint64    `json:"resyncs"`
	WTXRequests     uint64    `json:"wtx_requests"`
	Failures        uint64    `json:"failures"`
	LastRxTime      time.Time `json:"last_rx_time"`
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// IncrementTx counts a transmitted block
func (s *Statistics) IncrementTx(kind FrameKind) {
	switch kind {
	case KindI:
		atomic.AddUint64(&s.TxIFrames, 1)
	case KindR:
		atomic.AddUint64(&s.TxRFrames, 1)
	case KindS:
		atomic.AddUint64(&s.TxSFrames, 1)
	}
}

// IncrementRx counts a received block
func (s *Statistics) IncrementRx(kind FrameKind) {
	switch kind {
	case KindI:
		atomic.AddUint64(&s.RxIFrames, 1)
	case KindR:
		atomic.AddUint64(&s.RxRFrames, 1)
	case KindS:
		atomic.AddUint64(&s.RxSFrames, 1)
	}
	atomic.StoreInt64(&s.lastRxTimeNano, time.Now().UnixNano())
}

// IncrementTxMessages increments transmitted message count
func (s *Statistics) IncrementTxMessages() {
	atomic.AddUint64(&s.TxMessages, 1)
}

// IncrementRxMessages increments received message count
func (s *Statistics) IncrementRxMessages() {
	atomic.AddUint64(&s.RxMessages, 1)
}

// IncrementLRCErrors increments corrupt or partial block count
func (s *Statistics) IncrementLRCErrors() {
	atomic.AddUint64(&s.LRCErrors, 1)
}

// IncrementRetransmissions increments resent block count
func (s *Statistics) IncrementRetransmissions() {
	atomic.AddUint64(&s.Retransmissions, 1)
}

// IncrementTimeouts increments silent-bus count
func (s *Statistics) IncrementTimeouts() {
	atomic.AddUint64(&s.Timeouts, 1)
}

// IncrementResyncs increments resynchronization count
func (s *Statistics) IncrementResyncs() {
	atomic.AddUint64(&s.Resyncs, 1)
}

// IncrementWTXRequests increments WTX request count
func (s *Statistics) IncrementWTXRequests() {
	atomic.AddUint64(&s.WTXRequests, 1)
}

// IncrementFailures increments forced-idle count
func (s *Statistics) IncrementFailures() {
	atomic.AddUint64(&s.Failures, 1)
}

// GetLRCErrors returns corrupt block count
func (s *Statistics) GetLRCErrors() uint64 {
	return atomic.LoadUint64(&s.LRCErrors)
}

// GetRetransmissions returns resent block count
func (s *Statistics) GetRetransmissions() uint64 {
	return atomic.LoadUint64(&s.Retransmissions)
}

// GetFailures returns forced-idle count
func (s *Statistics) GetFailures() uint64 {
	return atomic.LoadUint64(&s.Failures)
}

// GetLastRxTime returns the time the last block was received
func (s *Statistics) GetLastRxTime() time.Time {
	nano := atomic.LoadInt64(&s.lastRxTimeNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Snapshot returns a copy of every counter
func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		TxIFrames:       atomic.LoadUint64(&s.TxIFrames),
		TxRFrames:       atomic.LoadUint64(&s.TxRFrames),
		TxSFrames:       atomic.LoadUint64(&s.TxSFrames),
		RxIFrames:       atomic.LoadUint64(&s.RxIFrames),
		RxRFrames:       atomic.LoadUint64(&s.RxRFrames),
		RxSFrames:       atomic.LoadUint64(&s.RxSFrames),
		TxMessages:      atomic.LoadUint64(&s.TxMessages),
		RxMessages:      atomic.LoadUint64(&s.RxMessages),
		LRCErrors:       atomic.LoadUint64(&s.LRCErrors),
		Retransmissions: atomic.LoadUint64(&s.Retransmissions),
		Timeouts:        atomic.LoadUint64(&s.Timeouts),
		Resyncs:         atomic.LoadUint64(&s.Resyncs),
		WTXRequests:     atomic.LoadUint64(&s.WTXRequests),
		Failures:        atomic.LoadUint64(&s.Failures),
		LastRxTime:      s.GetLastRxTime(),
	}
}

// Reset resets all statistics to zero
func (s *Statistics) Reset() {
	for _, p := range []*uint64{
		&s.TxIFrames, &s.TxRFrames, &s.TxSFrames,
		&s.RxIFrames, &s.RxRFrames, &s.RxSFrames,
		&s.TxMessages, &s.RxMessages,
		&s.LRCErrors, &s.Retransmissions, &s.Timeouts,
		&s.Resyncs, &s.WTXRequests, &s.Failures,
	} {
		atomic.StoreUint64(p, 0)
	}
	atomic.StoreInt64(&s.lastRxTimeNano, 0)
}
