// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import "time"

// maxIdleHours caps hours_since_last_use so a long-idle proxy does not
// dominate the standardised feature.
const maxIdleHours = 24 * 30

// FeatureNames lists the feature vector layout.
var FeatureNames = []string{
	"success_rate",
	"avg_latency_ms",
	"total_requests",
	"bans_detected",
	"hours_since_last_use",
	"kind_http",
	"kind_https",
	"kind_socks5",
	"hour_of_day",
	"day_of_week",
}

// FeatureCount is len(FeatureNames).
const FeatureCount = 10

// Features builds the candidate feature vector for rec at now.
//
// # Description
//
// Layout follows FeatureNames. A proxy never used counts idle time from
// its creation. Kind is one-hot encoded in Kinds order.
func Features(rec Record, now time.Time) []float64 {
	since := rec.LastUsed
	if since.IsZero() {
		since = rec.CreatedAt
	}
	idle := 0.0
	if !since.IsZero() && now.After(since) {
		idle = now.Sub(since).Hours()
	}
	if idle > maxIdleHours {
		idle = maxIdleHours
	}

	f := make([]float64, 0, FeatureCount)
	f = append(f,
		rec.SuccessRate(),
		rec.AvgLatencyMs,
		float64(rec.TotalRequests()),
		float64(rec.BansDetected),
		idle,
	)
	for _, k := range Kinds {
		if rec.Kind == k {
			f = append(f, 1)
		} else {
			f = append(f, 0)
		}
	}
	f = append(f, float64(now.Hour()), float64(now.Weekday()))
	return f
}

// HeuristicScore ranks a proxy without a model.
//
// score = success_rate - avg_latency_ms/10000 - bans_detected*0.1, and an
// untested proxy scores a neutral 0.5 so it still gets explored.
func HeuristicScore(rec Record) float64 {
	if rec.Untested() {
		return 0.5
	}
	return rec.SuccessRate() - rec.AvgLatencyMs/10000 - float64(rec.BansDetected)*0.1
}
