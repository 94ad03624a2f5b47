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
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned for a trigger that is not a valid 5-field
// expression.
var ErrInvalidCron = errors.New("invalid cron expression")

type fieldRange struct {
	name     string
	min, max int
}

var cronFields = [5]fieldRange{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Trigger is a parsed cron trigger.
type Trigger struct {
	expr  string
	sched cron.Schedule
}

// ParseCron validates and parses a 5-field cron expression.
//
// # Description
//
// Each field must be "*" or a literal integer in range:
// minute 0-59, hour 0-23, day-of-month 1-31, month 1-12, day-of-week 0-6
// (0 = Sunday). Ranges, lists, steps and names are rejected so that every
// accepted trigger means the same thing to every tool reading the stored
// schedule. Next-run computation is delegated to robfig/cron.
//
// # Inputs
//
//   - expr: e.g. "0 * * * *" (hourly on the hour).
//
// # Outputs
//
//   - Trigger: Parsed trigger.
//   - error: Wraps ErrInvalidCron.
func ParseCron(expr string) (Trigger, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return Trigger{}, fmt.Errorf("%w: want 5 fields, got %d", ErrInvalidCron, len(fields))
	}
	for i, f := range fields {
		if f == "*" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: %s field %q is not * or an integer", ErrInvalidCron, cronFields[i].name, f)
		}
		if n < cronFields[i].min || n > cronFields[i].max {
			return Trigger{}, fmt.Errorf("%w: %s %d outside %d-%d",
				ErrInvalidCron, cronFields[i].name, n, cronFields[i].min, cronFields[i].max)
		}
	}

	normalized := strings.Join(fields, " ")
	sched, err := cron.ParseStandard(normalized)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return Trigger{expr: normalized, sched: sched}, nil
}

// String returns the normalised expression.
func (t Trigger) String() string {
	return t.expr
}

// Next returns the first activation strictly after from, or the zero time
// if the trigger can never fire (e.g. "0 0 31 2 *").
func (t Trigger) Next(from time.Time) time.Time {
	if t.sched == nil {
		return time.Time{}
	}
	return t.sched.Next(from)
}
