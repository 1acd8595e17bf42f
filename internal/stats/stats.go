// Package stats tracks transfer accounting with lock-free atomic
// counters. The session updates them from whichever goroutine is moving
// bytes; a snapshot is printed to stderr at the end of a verbose run.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector accumulates counters for one session.
type Collector struct {
	changedBytes   atomic.Int64
	savedBytes     atomic.Int64
	payloadBytes   atomic.Int64
	payloadRecords atomic.Int64
	metadataKeys   atomic.Int64
	startTime      time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddChangedBytes counts bytes reported changed by the snapshot,
// whether or not they end up saved.
func (c *Collector) AddChangedBytes(n int64) { c.changedBytes.Add(n) }

// AddSavedBytes counts bytes selected by the allocated∩changed walk.
func (c *Collector) AddSavedBytes(n int64) { c.savedBytes.Add(n) }

// AddPayloadBytes counts payload bytes actually moved on the stream.
func (c *Collector) AddPayloadBytes(n int64) { c.payloadBytes.Add(n) }

// AddPayloadRecords counts changed-block records.
func (c *Collector) AddPayloadRecords(n int64) { c.payloadRecords.Add(n) }

// AddMetadataKeys counts metadata entries moved.
func (c *Collector) AddMetadataKeys(n int64) { c.metadataKeys.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	ChangedBytes   int64
	SavedBytes     int64
	PayloadBytes   int64
	PayloadRecords int64
	MetadataKeys   int64
	Elapsed        time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ChangedBytes:   c.changedBytes.Load(),
		SavedBytes:     c.savedBytes.Load(),
		PayloadBytes:   c.payloadBytes.Load(),
		PayloadRecords: c.payloadRecords.Load(),
		MetadataKeys:   c.metadataKeys.Load(),
		Elapsed:        time.Since(c.startTime),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"changed=%d saved=%d payload=%d records=%d metadata=%d elapsed=%s",
		s.ChangedBytes, s.SavedBytes, s.PayloadBytes, s.PayloadRecords,
		s.MetadataKeys, s.Elapsed.Round(time.Millisecond),
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
