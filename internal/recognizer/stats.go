package recognizer

import (
	"sync"
	"time"
)

// statsCollector accumulates push statistics shared by the factory implementations
type statsCollector struct {
	totalPushes    uint64
	failedPushes   uint64
	hypotheses     uint64
	avgLatency     time.Duration
	activeSessions int
	totalSessions  uint64

	mu sync.RWMutex
}

func (c *statsCollector) recordPush(latency time.Duration, produced int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPushes++
	if err != nil {
		c.failedPushes++
		return
	}
	c.hypotheses += uint64(produced)

	// Simple moving average
	if c.avgLatency == 0 {
		c.avgLatency = latency
	} else {
		c.avgLatency = (c.avgLatency + latency) / 2
	}
}

func (c *statsCollector) sessionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSessions++
	c.totalSessions++
}

func (c *statsCollector) sessionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSessions--
}

func (c *statsCollector) snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalPushes > 0 {
		successRate = float64(c.totalPushes-c.failedPushes) / float64(c.totalPushes) * 100
	}

	return Stats{
		TotalPushes:    c.totalPushes,
		FailedPushes:   c.failedPushes,
		Hypotheses:     c.hypotheses,
		SuccessRate:    successRate,
		AvgLatency:     c.avgLatency,
		ActiveSessions: c.activeSessions,
		TotalSessions:  c.totalSessions,
	}
}
