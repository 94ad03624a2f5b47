// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that end up
// in storage keys, URL paths, InfluxDB tags and subprocess arguments.
//
// Validating at the boundary keeps separators, whitespace and control
// characters out of badger key prefixes and placement command lines.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidID is wrapped by every identifier validation failure.
var ErrInvalidID = errors.New("invalid identifier")

// MaxIDLength bounds identifier length.
const MaxIDLength = 128

// idPattern allows letters, digits, dots, underscores, colons, at signs
// and hyphens. The first character must be alphanumeric.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@\-]{0,127}$`)

// ValidateID validates a session, work item, schedule or proxy identifier.
//
// # Description
//
// Valid identifiers:
//   - 1-128 characters
//   - Letters and digits
//   - Dots, underscores, colons, at signs and hyphens after the first
//     character
//
// # Outputs
//
//   - error: Wraps ErrInvalidID, nil when the identifier is valid.
//
// # Example
//
//	if err := validation.ValidateID(item.SessionID); err != nil {
//	    return fmt.Errorf("enqueue: %w", err)
//	}
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (1-%d alphanumeric chars, dots, underscores, colons, at signs or hyphens)",
			ErrInvalidID, id, MaxIDLength)
	}
	return nil
}

// ValidateIDs validates every identifier and lists all failures.
func ValidateIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidID, invalid)
	}
	return nil
}

// SanitizeID trims surrounding whitespace and validates the result.
func SanitizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
