package bulkio

import (
	"math"
	"time"
)

// Time code modes carried in PrecisionTime.TCMode.
const (
	TCModeOff int16 = -1
	TCModeCPU int16 = 0
	TCModeZTC int16 = 1
	TCModeSDN int16 = 2
	TCModeSMS int16 = 3
)

// Time code status values carried in PrecisionTime.TCStatus.
const (
	TCStatusInvalid int16 = 0
	TCStatusValid   int16 = 1
)

// PrecisionTime is the timestamp attached to every packet: whole seconds
// since the Unix epoch plus a fractional part kept separately so sample
// times keep sub-nanosecond resolution over long runs.
type PrecisionTime struct {
	TCMode   int16
	TCStatus int16
	TOff     float64
	TWSec    float64
	TFSec    float64
}

// Now returns a valid CPU-sourced timestamp for the current instant.
func Now() PrecisionTime {
	return FromTime(time.Now())
}

// FromTime converts t into a valid CPU-sourced timestamp.
func FromTime(t time.Time) PrecisionTime {
	return PrecisionTime{
		TCMode:   TCModeCPU,
		TCStatus: TCStatusValid,
		TWSec:    float64(t.Unix()),
		TFSec:    float64(t.Nanosecond()) / 1e9,
	}
}

// NotSet returns the timestamp producers use when no time reference exists.
func NotSet() PrecisionTime {
	return PrecisionTime{TCMode: TCModeOff, TCStatus: TCStatusInvalid}
}

// Valid reports whether the timestamp carries a usable time.
func (t PrecisionTime) Valid() bool {
	return t.TCStatus == TCStatusValid
}

// Time converts the timestamp to a time.Time in UTC.
func (t PrecisionTime) Time() time.Time {
	whole, frac := math.Modf(t.TFSec)
	return time.Unix(int64(t.TWSec+whole), int64(math.Round(frac*1e9))).UTC()
}

// Add offsets the timestamp by seconds, keeping TFSec in [0, 1).
func (t PrecisionTime) Add(seconds float64) PrecisionTime {
	frac := t.TFSec + seconds
	whole := math.Floor(frac)
	t.TWSec += whole
	t.TFSec = frac - whole
	return t
}
