// Package clock provides millisecond timestamps for session ages, rotation and key request
// scheduling.
package clock

import (
	"sync/atomic"
	"time"
)

type Clock interface {
	CurrentTimeMs() uint64
}

type systemClock struct{}

func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// OffsetClock runs off the system clock by whatever it has been moved by. Tests use it to age out
// sessions, make key requests due, and step time back the way a corrected system clock does.
type OffsetClock struct {
	offsetMs atomic.Int64
}

func NewOffsetClock() *OffsetClock {
	return &OffsetClock{}
}

func (oc *OffsetClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli() + oc.offsetMs.Load())
}

func (oc *OffsetClock) AdvanceMs(ms uint64) {
	oc.offsetMs.Add(int64(ms))
}

func (oc *OffsetClock) RewindMs(ms uint64) {
	oc.offsetMs.Add(-int64(ms))
}
