package models

import "math"

// ServiceStatus is the parsed view of one service manager status report.
// A value with every field nil means the block did not describe an
// application service.
type ServiceStatus struct {
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	LoadedStatus   *string `json:"loaded_status"`
	UnitFilePath   *string `json:"unit_file_path"`
	EnabledState   *string `json:"enabled"`
	Preset         *string `json:"preset"`
	ActiveState    *string `json:"active"`
	ActiveSubstate *string `json:"active_state"`
	Trigger        *string `json:"trigger"`
	Triggers       *string `json:"triggers"`
	Docs           *string `json:"docs"`
}

// IsSentinel reports whether s carries no information at all.
func (s ServiceStatus) IsSentinel() bool {
	return s == ServiceStatus{}
}

// TelemetrySample is one host resource reading. Percentages are clamped to
// [0,100]; Network counts bytes sent plus received during the sample window.
type TelemetrySample struct {
	Memory  uint8  `json:"memory"`
	CPU     uint8  `json:"cpu"`
	Disk    uint8  `json:"disk"`
	Network uint64 `json:"network"`
}

// Percent clamps v into [0,100] and truncates it.
func Percent(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 100:
		return 100
	default:
		return uint8(v)
	}
}
