package mesh

import (
	"fmt"
	"strings"
	"time"
)

// BatteryMode trades discovery latency and fan-out width for power.
type BatteryMode int

const (
	BatteryAggressive BatteryMode = iota
	BatteryBalanced
	BatteryPerformance
	BatteryMaximum
)

// DutyCycle is the scan schedule and connection ceiling of a mode.
type DutyCycle struct {
	ScanActive     time.Duration
	ScanPause      time.Duration
	MaxConnections int
}

var dutyCycles = map[BatteryMode]DutyCycle{
	BatteryAggressive:  {ScanActive: 5000 * time.Millisecond, ScanPause: 5000 * time.Millisecond, MaxConnections: 4},
	BatteryBalanced:    {ScanActive: 10000 * time.Millisecond, ScanPause: 2000 * time.Millisecond, MaxConnections: 8},
	BatteryPerformance: {ScanActive: 15000 * time.Millisecond, ScanPause: 1000 * time.Millisecond, MaxConnections: 12},
	BatteryMaximum:     {ScanActive: 20000 * time.Millisecond, ScanPause: 500 * time.Millisecond, MaxConnections: 16},
}

var batteryModeNames = map[BatteryMode]string{
	BatteryAggressive:  "aggressive",
	BatteryBalanced:    "balanced",
	BatteryPerformance: "performance",
	BatteryMaximum:     "maximum",
}

// Valid reports whether m is a known mode.
func (m BatteryMode) Valid() bool {
	_, ok := dutyCycles[m]
	return ok
}

// DutyCycle returns the schedule for m. Unknown modes get the balanced one.
func (m BatteryMode) DutyCycle() DutyCycle {
	if dc, ok := dutyCycles[m]; ok {
		return dc
	}
	return dutyCycles[BatteryBalanced]
}

func (m BatteryMode) String() string {
	if name, ok := batteryModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// ParseBatteryMode resolves a mode by name, case-insensitively.
func ParseBatteryMode(s string) (BatteryMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range batteryModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m BatteryMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	return []byte(m.String()), nil
}

func (m *BatteryMode) UnmarshalText(text []byte) error {
	parsed, err := ParseBatteryMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
