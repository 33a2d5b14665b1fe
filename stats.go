package hbridge

import (
	"sync/atomic"
	"time"
)

// Stats counts traffic through a server. All methods are safe for concurrent use.
type Stats struct {
	started time.Time

	totalRequests     atomic.Int64
	activeConnections atomic.Int64
	bytesSent         atomic.Int64
	bytesReceived     atomic.Int64
	errorCount        atomic.Int64
}

// NewStats inits stats, uptime is measured from now.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

func (s *Stats) RequestStarted()        { s.totalRequests.Add(1) }
func (s *Stats) ConnectionOpened()      { s.activeConnections.Add(1) }
func (s *Stats) ConnectionClosed()      { s.activeConnections.Add(-1) }
func (s *Stats) AddBytesSent(n int)     { s.bytesSent.Add(int64(n)) }
func (s *Stats) AddBytesReceived(n int) { s.bytesReceived.Add(int64(n)) }
func (s *Stats) ErrorOccurred()         { s.errorCount.Add(1) }
func (s *Stats) Uptime() time.Duration  { return time.Since(s.started) }

// StatsSnapshot is a read-only copy of the counters.
type StatsSnapshot struct {
	TotalRequests     int64   `json:"totalRequests"`
	ActiveConnections int64   `json:"activeConnections"`
	BytesSent         int64   `json:"bytesSent"`
	BytesReceived     int64   `json:"bytesReceived"`
	Uptime            float64 `json:"uptime"`
	ErrorCount        int64   `json:"errorCount"`
}

// Snapshot copies the current counters. Uptime is in seconds.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalRequests:     s.totalRequests.Load(),
		ActiveConnections: s.activeConnections.Load(),
		BytesSent:         s.bytesSent.Load(),
		BytesReceived:     s.bytesReceived.Load(),
		Uptime:            s.Uptime().Seconds(),
		ErrorCount:        s.errorCount.Load(),
	}
}
