// Package location collects position fixes while the scheduler keeps it on.
//
// The Collector is both a scheduler DataService (duty-cycled sampling into
// the "gps" stream) and the scheduler's TriggerSource (continuous coarse
// updates that keep the process busy between ticks).
package location

import (
	"strings"
	"time"
)

// Permission is the platform's location authorization level.
type Permission int

const (
	PermissionNotDetermined Permission = iota
	PermissionDenied
	PermissionWhenInUse
	PermissionAlways
)

func (p Permission) String() string {
	switch p {
	case PermissionDenied:
		return "denied"
	case PermissionWhenInUse:
		return "when_in_use"
	case PermissionAlways:
		return "always"
	default:
		return "not_determined"
	}
}

// ParsePermission maps a config value to a Permission.
func ParsePermission(s string) Permission {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always":
		return PermissionAlways
	case "when_in_use":
		return PermissionWhenInUse
	case "denied":
		return PermissionDenied
	default:
		return PermissionNotDetermined
	}
}

// Mode selects the source's accuracy profile.
type Mode int

const (
	// ModeCoarse keeps updates alive at minimal cost.
	ModeCoarse Mode = iota
	// ModeBest delivers every fix at full accuracy.
	ModeBest
)

func (m Mode) String() string {
	if m == ModeBest {
		return "best"
	}
	return "coarse"
}

// ModeSettings are the accuracy hints for a Mode, in meters.
// A zero DistanceFilter disables distance filtering.
type ModeSettings struct {
	DesiredAccuracy float64
	DistanceFilter  float64
}

func (m Mode) Settings() ModeSettings {
	if m == ModeBest {
		return ModeSettings{}
	}
	return ModeSettings{DesiredAccuracy: 3000, DistanceFilter: 99999}
}

// Fix is one position sample.
type Fix struct {
	Time      time.Time
	Latitude  float64
	Longitude float64
	Altitude  float64
	Accuracy  float64 // horizontal, meters
}

// Update is one delivery from a Source: a batch of fixes or a feed error.
type Update struct {
	Fixes []Fix
	Err   error
}

// Source is a location provider.
type Source interface {
	Permission() Permission
	ServicesEnabled() bool
	RequestAlwaysAuthorization()
	StartUpdates()
	StopUpdates()
	SetMode(m Mode)
	Updates() <-chan Update
}
