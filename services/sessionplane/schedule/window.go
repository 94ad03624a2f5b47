// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWindow is returned for a malformed time window.
var ErrInvalidWindow = errors.New("invalid time window")

const clockLayout = "15:04"

// TimeWindow restricts when a due entry may fire.
//
// Start and End are "HH:MM". The window only applies when both are set;
// it is inclusive at both ends. A Start later than End wraps past
// midnight ("22:00"-"06:00"). Days lists allowed weekdays (0 = Sunday);
// empty allows every day.
type TimeWindow struct {
	Start string `json:"start,omitempty" yaml:"start,omitempty"`
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
	Days  []int  `json:"days,omitempty" yaml:"days,omitempty"`
}

// Validate checks the clock strings and weekday numbers.
func (w TimeWindow) Validate() error {
	if (w.Start == "") != (w.End == "") {
		return fmt.Errorf("%w: start and end must be set together", ErrInvalidWindow)
	}
	if w.Start != "" {
		if _, err := time.Parse(clockLayout, w.Start); err != nil {
			return fmt.Errorf("%w: start %q: want HH:MM", ErrInvalidWindow, w.Start)
		}
		if _, err := time.Parse(clockLayout, w.End); err != nil {
			return fmt.Errorf("%w: end %q: want HH:MM", ErrInvalidWindow, w.End)
		}
	}
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: weekday %d outside 0-6", ErrInvalidWindow, d)
		}
	}
	return nil
}

// Allows reports whether t falls inside the window, and if not, why.
func (w TimeWindow) Allows(t time.Time) (bool, string) {
	if len(w.Days) > 0 {
		day := int(t.Weekday())
		allowed := false
		for _, d := range w.Days {
			if d == day {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, fmt.Sprintf("weekday %s not allowed", t.Weekday())
		}
	}

	if w.Start == "" || w.End == "" {
		return true, ""
	}
	start, err1 := time.Parse(clockLayout, w.Start)
	end, err2 := time.Parse(clockLayout, w.End)
	if err1 != nil || err2 != nil {
		return false, "malformed window"
	}

	now := t.Hour()*60 + t.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()

	var inside bool
	if s <= e {
		inside = now >= s && now <= e
	} else {
		inside = now >= s || now <= e
	}
	if !inside {
		return false, fmt.Sprintf("%02d:%02d outside %s-%s", t.Hour(), t.Minute(), w.Start, w.End)
	}
	return true, ""
}
