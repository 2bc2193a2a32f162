// Package quota publishes the service's storage usage and blocking status.
package quota

import (
	"sync"
)

// Status is the read-only view consumed by the boundary layer.
type Status struct {
	UsedBytes      int64  `json:"used_bytes"`
	MaxBytes       int64  `json:"max_bytes"`
	UploadsBlocked bool   `json:"uploads_blocked"`
	Message        string `json:"message,omitempty"`
}

// Observer tracks usage against the global byte budget with hysteresis:
// uploads_blocked latches true at the high watermark and releases only
// below the low watermark, damping oscillation around the boundary.
type Observer struct {
	mu      sync.Mutex
	used    func() int64
	max     int64
	high    float64
	low     float64
	blocked bool
}

// Config holds Observer construction parameters.
type Config struct {
	// Used returns current storage usage in bytes.
	Used func() int64

	// MaxBytes is the global quota.
	MaxBytes int64

	// High and Low are the hysteresis watermarks as fractions of MaxBytes.
	High float64
	Low  float64
}

// NewObserver creates an Observer and performs the initial recompute.
func NewObserver(cfg Config) *Observer {
	o := &Observer{
		used: cfg.Used,
		max:  cfg.MaxBytes,
		high: cfg.High,
		low:  cfg.Low,
	}
	o.Recompute()
	return o
}

// Recompute refreshes the blocking flag. Invoked after every mutation that
// can change usage.
func (o *Observer) Recompute() {
	o.mu.Lock()
	defer o.mu.Unlock()

	used := o.used()
	switch {
	case float64(used) >= float64(o.max)*o.high:
		o.blocked = true
	case float64(used) <= float64(o.max)*o.low:
		o.blocked = false
	}
	// Between the watermarks the flag keeps its previous value.
}

// Current returns the quota status.
func (o *Observer) Current() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		UsedBytes:      o.used(),
		MaxBytes:       o.max,
		UploadsBlocked: o.blocked,
	}
	if st.UploadsBlocked {
		st.Message = "storage quota reached, uploads are temporarily disabled"
	}
	return st
}

// WouldExceed reports whether admitting size more bytes would pass the
// quota, or whether uploads are already blocked.
func (o *Observer) WouldExceed(size int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.blocked {
		return true
	}
	return o.used()+size > o.max
}
