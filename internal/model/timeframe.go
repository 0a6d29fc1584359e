package model

// Timeframe is a symbolic candle timeframe ("1s", "1m", ... "1d").
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
)

const (
	second = int64(1000)
	minute = 60 * second
	hour   = 60 * minute
	day    = 24 * hour
)

// tfEntry maps a timeframe to its duration (ms) and the timeframe it
// rolls up from. 1s is the base; everything else rolls from 1s.
type tfEntry struct {
	durationMS int64
	parent     Timeframe
}

var tfTable = map[Timeframe]tfEntry{
	TF1s:  {second, ""},
	TF1m:  {minute, TF1s},
	TF3m:  {3 * minute, TF1s},
	TF5m:  {5 * minute, TF1s},
	TF15m: {15 * minute, TF1s},
	TF30m: {30 * minute, TF1s},
	TF1h:  {hour, TF1s},
	TF2h:  {2 * hour, TF1s},
	TF4h:  {4 * hour, TF1s},
	TF8h:  {8 * hour, TF1s},
	TF12h: {12 * hour, TF1s},
	TF1d:  {day, TF1s},
}

// Timeframes lists every supported timeframe in ascending duration order.
var Timeframes = []Timeframe{
	TF1s, TF1m, TF3m, TF5m, TF15m, TF30m, TF1h, TF2h, TF4h, TF8h, TF12h, TF1d,
}

// RollupTimeframes lists every timeframe above the 1s base, ascending.
var RollupTimeframes = Timeframes[1:]

// DurationMS returns the timeframe duration in milliseconds, or 0 for an
// unknown timeframe.
func (tf Timeframe) DurationMS() int64 {
	return tfTable[tf].durationMS
}

// Parent returns the timeframe this one rolls up from ("" for the base).
func (tf Timeframe) Parent() Timeframe {
	return tfTable[tf].parent
}

// Valid reports whether tf is a member of the supported set.
func (tf Timeframe) Valid() bool {
	_, ok := tfTable[tf]
	return ok
}

// BucketOpen aligns a millisecond timestamp down to the timeframe boundary.
func (tf Timeframe) BucketOpen(tsMS int64) int64 {
	d := tf.DurationMS()
	if d <= 0 {
		return tsMS
	}
	return tsMS - tsMS%d
}
