package engine

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Stats accumulates engine-wide counters for the shutdown summary log line.
// All fields are mutated only through atomic operations so workers never
// need to take a lock just to bump a counter.
type Stats struct {
	bytesRelayed      int64
	slotAssignments   int64
	slotResets        int64
	queueFullDrops    int64
	protocolAnomalies int64
	transientIoErrors int64
}

func (s *Stats) addBytes(n int) {
	atomic.AddInt64(&s.bytesRelayed, int64(n))
}

func (s *Stats) incAssignment() {
	atomic.AddInt64(&s.slotAssignments, 1)
}

func (s *Stats) incReset() {
	atomic.AddInt64(&s.slotResets, 1)
}

func (s *Stats) incQueueFull() {
	atomic.AddInt64(&s.queueFullDrops, 1)
}

func (s *Stats) incProtocolAnomaly() {
	atomic.AddInt64(&s.protocolAnomalies, 1)
}

func (s *Stats) incTransientIoError() {
	atomic.AddInt64(&s.transientIoErrors, 1)
}

// StatsSnapshot is a point-in-time copy of Stats, safe to log or compare.
type StatsSnapshot struct {
	BytesRelayed      int64
	SlotAssignments   int64
	SlotResets        int64
	QueueFullDrops    int64
	ProtocolAnomalies int64
	TransientIoErrors int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesRelayed:      atomic.LoadInt64(&s.bytesRelayed),
		SlotAssignments:   atomic.LoadInt64(&s.slotAssignments),
		SlotResets:        atomic.LoadInt64(&s.slotResets),
		QueueFullDrops:    atomic.LoadInt64(&s.queueFullDrops),
		ProtocolAnomalies: atomic.LoadInt64(&s.protocolAnomalies),
		TransientIoErrors: atomic.LoadInt64(&s.transientIoErrors),
	}
}

// LogSummary emits the final counters at INFO level, intended to be called
// once from the shutdown path.
func (s *Stats) LogSummary(log *logrus.Entry) {
	snap := s.Snapshot()
	log.WithFields(logrus.Fields{
		"bytes_relayed":      snap.BytesRelayed,
		"slot_assignments":   snap.SlotAssignments,
		"slot_resets":        snap.SlotResets,
		"queue_full_drops":   snap.QueueFullDrops,
		"protocol_anomalies": snap.ProtocolAnomalies,
		"transient_io_errors": snap.TransientIoErrors,
	}).Info("engine shutdown summary")
}
