// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jinterlante1206/sessionplane/services/sessionplane/api"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/contingency"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/schedule"
)

// fetch sends a request and prints the JSON response, or "ok" for an
// empty body.
func fetch(cmd *cobra.Command, method, path string, body any) error {
	var out json.RawMessage
	if err := newAPIClient(apiAddr, apiToken).do(cmd.Context(), method, path, body, &out); err != nil {
		return err
	}
	if len(out) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func parsePayload(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", s)
	}
	return json.RawMessage(s), nil
}

// =============================================================================
// Queue
// =============================================================================

func runQueueStats(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "GET", "/v1/queue", nil)
}

func runQueueAdd(cmd *cobra.Command, _ []string) error {
	payload, err := parsePayload(enqueuePayload)
	if err != nil {
		return err
	}
	req := api.EnqueueRequest{SessionID: enqueueSession, Payload: payload}
	if enqueuePriority > 0 {
		req.Priority = &enqueuePriority
	}
	if enqueueRetries >= 0 {
		req.MaxRetries = &enqueueRetries
	}
	return fetch(cmd, "POST", "/v1/queue/items", req)
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "GET", "/v1/queue/items", nil)
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	return fetch(cmd, "DELETE", "/v1/queue/items/"+url.PathEscape(args[0]), nil)
}

func runQueueDeadLetters(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "GET", "/v1/queue/dead-letters", nil)
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	return fetch(cmd, "POST", "/v1/queue/dead-letters/"+url.PathEscape(args[0])+"/requeue",
		api.RequeueRequest{Priority: requeuePriority})
}

// =============================================================================
// Schedules
// =============================================================================

func runScheduleList(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "GET", "/v1/schedules", nil)
}

func runScheduleAdd(cmd *cobra.Command, _ []string) error {
	payload, err := parsePayload(schedulePayload)
	if err != nil {
		return err
	}
	enabled := !scheduleDisabled
	tmpl := schedule.WorkTemplate{SessionID: scheduleSession, Payload: payload}
	if scheduleRetries >= 0 {
		tmpl.MaxRetries = &scheduleRetries
	}
	return fetch(cmd, "POST", "/v1/schedules", api.ScheduleRequest{
		ID:           scheduleID,
		Name:         scheduleName,
		Trigger:      scheduleCron,
		WorkTemplate: tmpl,
		Window:       schedule.TimeWindow{Start: scheduleStart, End: scheduleEnd, Days: scheduleDays},
		Enabled:      &enabled,
	})
}

func runScheduleAction(method, suffix string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, method, "/v1/schedules/"+url.PathEscape(args[0])+suffix, nil)
	}
}

// =============================================================================
// Proxies
// =============================================================================

func runProxyList(cmd *cobra.Command, _ []string) error {
	path := "/v1/proxies"
	if proxyActive {
		path += "?active=true"
	}
	return fetch(cmd, "GET", path, nil)
}

func runProxyAdd(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "POST", "/v1/proxies", api.ProxyRequest{
		ID:       proxyID,
		Address:  proxyAddress,
		Port:     proxyPort,
		Kind:     proxyKind,
		Username: proxyUser,
		Password: proxyPassword,
	})
}

func runProxyAction(method, suffix string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, method, "/v1/proxies/"+url.PathEscape(args[0])+suffix, nil)
	}
}

func runProxySelect(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "POST", "/v1/proxies/select", api.SelectRequest{Strategy: proxyStrategy})
}

func runTrain(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "POST", "/v1/selector/train", nil)
}

// =============================================================================
// Contingency
// =============================================================================

func runContingencyList(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "GET", "/v1/sessions", nil)
}

func runSessionAction(method, suffix string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, method, "/v1/sessions/"+url.PathEscape(args[0])+suffix, nil)
	}
}

// runContingencyThresholds prints the thresholds, or updates the ones
// given as flags and prints the result.
func runContingencyThresholds(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	if !flags.Changed("block-rate") && !flags.Changed("consecutive-failures") &&
		!flags.Changed("cool-down-min") && !flags.Changed("cool-down-max") {
		return fetch(cmd, "GET", "/v1/contingency/thresholds", nil)
	}

	client := newAPIClient(apiAddr, apiToken)
	var th contingency.Thresholds
	if err := client.do(cmd.Context(), "GET", "/v1/contingency/thresholds", nil, &th); err != nil {
		return err
	}
	if flags.Changed("block-rate") {
		th.BlockRate = thresholdBlockRate
	}
	if flags.Changed("consecutive-failures") {
		th.ConsecutiveFailures = thresholdFailures
	}
	if flags.Changed("cool-down-min") {
		th.CoolDownMinSec = thresholdCoolDownMin
	}
	if flags.Changed("cool-down-max") {
		th.CoolDownMaxSec = thresholdCoolDownMax
	}
	return fetch(cmd, "PUT", "/v1/contingency/thresholds", th)
}

func runAudit(cmd *cobra.Command, _ []string) error {
	return fetch(cmd, "GET", "/v1/audit", nil)
}

// =============================================================================
// Status
// =============================================================================

type statusView struct {
	Queue     json.RawMessage       `json:"queue"`
	Resources api.ResourcesResponse `json:"resources"`
	Placement api.PlacementResponse `json:"placement"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client := newAPIClient(apiAddr, apiToken)
	var v statusView
	if err := client.do(cmd.Context(), "GET", "/v1/queue", nil, &v.Queue); err != nil {
		return err
	}
	if err := client.do(cmd.Context(), "GET", "/v1/resources", nil, &v.Resources); err != nil {
		return err
	}
	if err := client.do(cmd.Context(), "GET", "/v1/placement", nil, &v.Placement); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}
