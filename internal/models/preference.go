package models

import (
	"fmt"
	"strings"
	"time"
)

// Cadence bounds: deliveries desired per 7-day period.
const (
	MinCadence = 1
	MaxCadence = 7
)

// clockLayout is the persisted HH:mm 24-hour format of window bounds.
const clockLayout = "15:04"

// Defaults applied to users created without a preference (onboarding defaults).
const (
	DefaultCadence     = 3
	DefaultWindowStart = "09:00"
	DefaultWindowEnd   = "17:00"
)

// SchedulePreference is when and how often a user wants to receive waffles.
type SchedulePreference struct {
	Cadence     int    `json:"cadence"`
	WindowStart string `json:"window_start"` // HH:mm
	WindowEnd   string `json:"window_end"`   // HH:mm, strictly after WindowStart
	Timezone    string `json:"timezone,omitempty"`
}

// DefaultPreference returns the onboarding defaults.
func DefaultPreference() SchedulePreference {
	return SchedulePreference{Cadence: DefaultCadence, WindowStart: DefaultWindowStart, WindowEnd: DefaultWindowEnd}
}

// Validate rejects out-of-range cadences and empty or inverted windows.
func (p SchedulePreference) Validate() error {
	if p.Cadence < MinCadence || p.Cadence > MaxCadence {
		return fmt.Errorf("%w: got %d", ErrInvalidCadence, p.Cadence)
	}
	start, err := ParseClock(p.WindowStart)
	if err != nil {
		return fmt.Errorf("%w: window_start: %v", ErrInvalidWindow, err)
	}
	end, err := ParseClock(p.WindowEnd)
	if err != nil {
		return fmt.Errorf("%w: window_end: %v", ErrInvalidWindow, err)
	}
	if start >= end {
		return fmt.Errorf("%w: %s-%s", ErrInvalidWindow, p.WindowStart, p.WindowEnd)
	}
	if _, err := p.Location(); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidWindow, p.Timezone, err)
	}
	return nil
}

// Window returns the window bounds as offsets from local midnight.
func (p SchedulePreference) Window() (start, end time.Duration, err error) {
	if start, err = ParseClock(p.WindowStart); err != nil {
		return 0, 0, fmt.Errorf("%w: window_start: %v", ErrInvalidWindow, err)
	}
	if end, err = ParseClock(p.WindowEnd); err != nil {
		return 0, 0, fmt.Errorf("%w: window_end: %v", ErrInvalidWindow, err)
	}
	return start, end, nil
}

// Location resolves the preference timezone, defaulting to UTC.
func (p SchedulePreference) Location() (*time.Location, error) {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// ParseClock parses an HH:mm string into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// User is a WaffleCafe member and the owner of a schedule preference.
type User struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Email      string             `json:"email,omitempty"`
	Phone      string             `json:"phone,omitempty"` // E.164 digits, used by SMS/WhatsApp transports
	Preference SchedulePreference `json:"preference"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Validate checks identity fields and the schedule preference.
func (u *User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return ErrEmptyUserID
	}
	return u.Preference.Validate()
}
