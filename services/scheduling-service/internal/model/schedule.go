package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SlotMode string

const (
	SlotModeContinuous  SlotMode = "continuous"
	SlotModeInterleaved SlotMode = "interleaved"
	SlotModeCustom      SlotMode = "custom"
)

func (m SlotMode) Valid() bool {
	switch m {
	case SlotModeContinuous, SlotModeInterleaved, SlotModeCustom:
		return true
	}
	return false
}

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

var errBadClock = errors.New("time of day must be HH:MM between 00:00 and 23:59")

// ParseClock accepts "HH:MM" (24-hour).
func ParseClock(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return ClockTime{}, errBadClock
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return ClockTime{}, errBadClock
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return ClockTime{}, errBadClock
	}
	c := ClockTime{Hour: hour, Minute: minute}
	if !c.Valid() {
		return ClockTime{}, errBadClock
	}
	return c, nil
}

func (c ClockTime) Valid() bool {
	return c.Hour >= 0 && c.Hour <= 23 && c.Minute >= 0 && c.Minute <= 59
}

func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// On returns the instant this clock time falls on for the calendar day of date, in loc.
func (c ClockTime) On(date time.Time, loc *time.Location) time.Time {
	y, mo, d := date.Date()
	return time.Date(y, mo, d, c.Hour, c.Minute, 0, 0, loc)
}

// ProviderSchedule is a provider's working-hours and slot policy. The latest value always
// applies, including to days that were listed under an older value.
type ProviderSchedule struct {
	ProviderID   string    `json:"provider_id"`
	WorkStart    ClockTime `json:"work_start"`
	WorkEnd      ClockTime `json:"work_end"`
	SlotMinutes  int       `json:"slot_duration_minutes"`
	BreakMinutes int       `json:"break_duration_minutes"`
	Mode         SlotMode  `json:"slot_mode"`
	Timezone     string    `json:"timezone"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var ErrInvalidSchedule = errors.New("invalid provider schedule")

// Validate reports why a schedule cannot generate slots. Generation itself tolerates
// invalid schedules by producing nothing.
func (s ProviderSchedule) Validate() error {
	var problems []string
	if strings.TrimSpace(s.ProviderID) == "" {
		problems = append(problems, "provider_id is required")
	}
	if !s.WorkStart.Valid() || !s.WorkEnd.Valid() {
		problems = append(problems, "work hours must be valid times of day")
	} else if s.WorkStart.Minutes() >= s.WorkEnd.Minutes() {
		problems = append(problems, "work_start must be before work_end")
	}
	if s.SlotMinutes <= 0 {
		problems = append(problems, "slot_duration_minutes must be positive")
	}
	if s.BreakMinutes < 0 {
		problems = append(problems, "break_duration_minutes must not be negative")
	}
	if !s.Mode.Valid() {
		problems = append(problems, fmt.Sprintf("unknown slot_mode %q", s.Mode))
	}
	if _, err := time.LoadLocation(s.tz()); err != nil {
		problems = append(problems, fmt.Sprintf("unknown timezone %q", s.Timezone))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSchedule, strings.Join(problems, "; "))
	}
	return nil
}

func (s ProviderSchedule) SlotDuration() time.Duration {
	return time.Duration(s.SlotMinutes) * time.Minute
}

// Step is the distance between consecutive slot starts. Continuous mode packs slots back to
// back whatever the break setting; interleaved and custom insert the break after every slot.
func (s ProviderSchedule) Step() time.Duration {
	if s.Mode == SlotModeContinuous || s.BreakMinutes <= 0 {
		return s.SlotDuration()
	}
	return time.Duration(s.SlotMinutes+s.BreakMinutes) * time.Minute
}

// Location falls back to UTC for an empty or unknown timezone.
func (s ProviderSchedule) Location() *time.Location {
	loc, err := time.LoadLocation(s.tz())
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s ProviderSchedule) tz() string {
	if strings.TrimSpace(s.Timezone) == "" {
		return "UTC"
	}
	return s.Timezone
}

// WorkingWindow returns the working hours on the calendar day of date.
func (s ProviderSchedule) WorkingWindow(date time.Time) (time.Time, time.Time) {
	loc := s.Location()
	return s.WorkStart.On(date, loc), s.WorkEnd.On(date, loc)
}

// DefaultSchedule is what a provider gets when a field is left unset.
func DefaultSchedule(providerID string) ProviderSchedule {
	return ProviderSchedule{
		ProviderID:   providerID,
		WorkStart:    ClockTime{Hour: 9},
		WorkEnd:      ClockTime{Hour: 17},
		SlotMinutes:  30,
		BreakMinutes: 0,
		Mode:         SlotModeContinuous,
		Timezone:     "UTC",
	}
}

// consultation styles map to slot lengths in minutes.
var consultationStyles = map[string]int{
	"fast":     15,
	"normal":   30,
	"detailed": 45,
	"surgery":  60,
}

// ApplyPreset sets slot length from a consultation style and the break policy from
// wantsBreaks (10 minutes, interleaved) or its absence (no break, continuous).
func (s *ProviderSchedule) ApplyPreset(style string, wantsBreaks bool) error {
	minutes, ok := consultationStyles[strings.ToLower(strings.TrimSpace(style))]
	if !ok {
		return fmt.Errorf("%w: unknown consultation_style %q", ErrInvalidSchedule, style)
	}
	s.SlotMinutes = minutes
	s.ApplyBreakPolicy(wantsBreaks)
	return nil
}

// ApplyBreakPolicy selects a 10-minute interleaved break, or back-to-back slots.
func (s *ProviderSchedule) ApplyBreakPolicy(wantsBreaks bool) {
	if wantsBreaks {
		s.BreakMinutes = 10
		s.Mode = SlotModeInterleaved
		return
	}
	s.BreakMinutes = 0
	s.Mode = SlotModeContinuous
}
