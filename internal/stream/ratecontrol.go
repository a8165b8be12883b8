package stream

import "fmt"

// RateControlMode is the user-facing rate control selection, 0 through 6.
type RateControlMode int

const (
	RateDisable RateControlMode = iota
	RateVBRVFR
	RateVBRCFR
	RateCBRVFR
	RateCBRCFR
	RateMBRCFR
	RateMBRVFR
)

// Encoder-facing bitrate mode values. The two MBR modes have no standard
// value and use vendor extension sentinels.
const (
	BitrateModeCQ    = 0
	BitrateModeVBR   = 1
	BitrateModeCBR   = 2
	BitrateModeCBRFD = 3

	BitrateModeMBR          = 0x7F000001
	BitrateModeMBRSkipFrame = 0x7F000002
)

var rateModeNames = [...]string{"disable", "vbr_vfr", "vbr_cfr", "cbr_vfr", "cbr_cfr", "mbr_cfr", "mbr_vfr"}

var rateModeValues = [...]int{
	BitrateModeCQ,
	BitrateModeVBR,
	BitrateModeVBR,
	BitrateModeCBR,
	BitrateModeCBRFD,
	BitrateModeMBR,
	BitrateModeMBRSkipFrame,
}

// Valid reports whether m is in 0..6.
func (m RateControlMode) Valid() bool {
	return m >= RateDisable && m <= RateMBRVFR
}

// BitrateMode returns the value passed to the encoder.
func (m RateControlMode) BitrateMode() int {
	if !m.Valid() {
		return BitrateModeVBR
	}
	return rateModeValues[m]
}

// ConstantQuality reports whether the mode disables bitrate control and
// relies on the QP ranges instead.
func (m RateControlMode) ConstantQuality() bool {
	return m == RateDisable
}

func (m RateControlMode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("RateControlMode(%d)", int(m))
	}
	return rateModeNames[m]
}

// ParseRateControlMode accepts either the numeric value or the name.
func ParseRateControlMode(s string) (RateControlMode, error) {
	for i, n := range rateModeNames {
		if n == s {
			return RateControlMode(i), nil
		}
	}
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil && RateControlMode(v).Valid() {
		return RateControlMode(v), nil
	}
	return 0, fmt.Errorf("%w: rate control mode %q", ErrInvalidDescriptor, s)
}

// MaxQP is the upper bound for H.264/H.265 quantizers.
const MaxQP = 51

// QPRange is a min/max/initial quantizer triple for one frame type. The
// zero value leaves the encoder defaults in place.
type QPRange struct {
	Min  int
	Max  int
	Init int
}

// IsSet reports whether any bound was configured.
func (r QPRange) IsSet() bool {
	return r != QPRange{}
}

// Validate checks 0 <= min <= init <= max <= 51 for a set range.
func (r QPRange) Validate() error {
	if !r.IsSet() {
		return nil
	}
	for _, v := range []int{r.Min, r.Max, r.Init} {
		if v < 0 || v > MaxQP {
			return fmt.Errorf("qp %d out of range 0..%d", v, MaxQP)
		}
	}
	if r.Min > r.Max {
		return fmt.Errorf("min %d > max %d", r.Min, r.Max)
	}
	if r.Init != 0 && (r.Init < r.Min || r.Init > r.Max) {
		return fmt.Errorf("init %d outside %d..%d", r.Init, r.Min, r.Max)
	}
	return nil
}
