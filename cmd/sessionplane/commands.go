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
	"os"

	"github.com/spf13/cobra"

	"github.com/jinterlante1206/sessionplane/cmd/sessionplane/config"
)

var (
	// Global flags
	configPath string
	apiAddr    string
	apiToken   string

	// queue add / requeue
	enqueueSession  string
	enqueuePriority int
	enqueueRetries  int
	enqueuePayload  string
	requeuePriority int

	// schedule add
	scheduleID       string
	scheduleName     string
	scheduleCron     string
	scheduleSession  string
	schedulePayload  string
	scheduleRetries  int
	scheduleStart    string
	scheduleEnd      string
	scheduleDays     []int
	scheduleDisabled bool

	// proxy add / list / select
	proxyID       string
	proxyAddress  string
	proxyPort     int
	proxyKind     string
	proxyUser     string
	proxyPassword string
	proxyActive   bool
	proxyStrategy string

	// contingency thresholds
	thresholdBlockRate   float64
	thresholdFailures    int
	thresholdCoolDownMin int
	thresholdCoolDownMax int

	rootCmd = &cobra.Command{
		Use:   "sessionplane",
		Short: "Session orchestration and resource-control plane",
		Long: `sessionplane runs prioritized, scheduled work for long-lived sessions,
routes each session through a managed proxy pool, backs off sessions that
are being blocked and places work on local, container or cloud tiers
according to host pressure.`,
		SilenceUsage: true,
	}

	// --- Server ---
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the control plane and its admin API",
		RunE:  runServe, // Defined in cmd_run.go
	}

	// --- Queue ---
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the work queue",
	}
	queueStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and counters",
		Args:  cobra.NoArgs,
		RunE:  runQueueStats,
	}
	queueAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Enqueue a work item for a session",
		Args:  cobra.NoArgs,
		RunE:  runQueueAdd,
	}
	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "List pending and in-flight items",
		Args:  cobra.NoArgs,
		RunE:  runQueueList,
	}
	queueRemoveCmd = &cobra.Command{
		Use:   "remove [item_id]",
		Short: "Drop a pending item",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueRemove,
	}
	queueDeadCmd = &cobra.Command{
		Use:   "dead-letters",
		Short: "List terminally failed items",
		Args:  cobra.NoArgs,
		RunE:  runQueueDeadLetters,
	}
	queueRequeueCmd = &cobra.Command{
		Use:   "requeue [item_id]",
		Short: "Move a dead letter back onto the queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueRequeue,
	}

	// --- Schedules ---
	scheduleCmd = &cobra.Command{
		Use:     "schedule",
		Short:   "Manage recurring work",
		Aliases: []string{"schedules"},
	}
	scheduleListCmd = &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE:  runScheduleList,
	}
	scheduleAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Create a schedule from a five-field cron expression",
		Args:  cobra.NoArgs,
		RunE:  runScheduleAdd,
	}
	scheduleRemoveCmd = &cobra.Command{
		Use:   "remove [schedule_id]",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduleAction("DELETE", ""),
	}
	scheduleEnableCmd = &cobra.Command{
		Use:   "enable [schedule_id]",
		Short: "Enable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduleAction("POST", "/enable"),
	}
	scheduleDisableCmd = &cobra.Command{
		Use:   "disable [schedule_id]",
		Short: "Disable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduleAction("POST", "/disable"),
	}
	scheduleRunCmd = &cobra.Command{
		Use:   "run [schedule_id]",
		Short: "Fire a schedule now at the highest priority",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduleAction("POST", "/run"),
	}

	// --- Proxies ---
	proxyCmd = &cobra.Command{
		Use:     "proxy",
		Short:   "Manage the proxy pool",
		Aliases: []string{"proxies"},
	}
	proxyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List proxies",
		Args:  cobra.NoArgs,
		RunE:  runProxyList,
	}
	proxyAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add a proxy to the pool",
		Args:  cobra.NoArgs,
		RunE:  runProxyAdd,
	}
	proxyRemoveCmd = &cobra.Command{
		Use:   "remove [proxy_id]",
		Short: "Remove a proxy",
		Args:  cobra.ExactArgs(1),
		RunE:  runProxyAction("DELETE", ""),
	}
	proxyActivateCmd = &cobra.Command{
		Use:   "activate [proxy_id]",
		Short: "Return a proxy to rotation",
		Args:  cobra.ExactArgs(1),
		RunE:  runProxyAction("POST", "/activate"),
	}
	proxyDeactivateCmd = &cobra.Command{
		Use:   "deactivate [proxy_id]",
		Short: "Take a proxy out of rotation",
		Args:  cobra.ExactArgs(1),
		RunE:  runProxyAction("POST", "/deactivate"),
	}
	proxySelectCmd = &cobra.Command{
		Use:   "select",
		Short: "Preview which proxy a strategy picks",
		Args:  cobra.NoArgs,
		RunE:  runProxySelect,
	}

	// --- Selector ---
	trainCmd = &cobra.Command{
		Use:   "train",
		Short: "Train the proxy ranking model from recorded outcomes",
		Args:  cobra.NoArgs,
		RunE:  runTrain,
	}

	// --- Contingency ---
	contingencyCmd = &cobra.Command{
		Use:     "contingency",
		Short:   "Inspect and reset per-session contingency state",
		Aliases: []string{"sessions"},
	}
	contingencyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List every tracked session",
		Args:  cobra.NoArgs,
		RunE:  runContingencyList,
	}
	contingencyShowCmd = &cobra.Command{
		Use:   "show [session_id]",
		Short: "Show a session with its proxy and baselines",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionAction("GET", ""),
	}
	contingencyResetCmd = &cobra.Command{
		Use:   "reset [session_id]",
		Short: "Clear a session's counters and cooldown",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionAction("POST", "/reset"),
	}
	contingencyTeardownCmd = &cobra.Command{
		Use:   "teardown [session_id]",
		Short: "Forget a session entirely",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionAction("DELETE", ""),
	}
	contingencyThresholdsCmd = &cobra.Command{
		Use:   "thresholds",
		Short: "Show or change the contingency thresholds",
		Args:  cobra.NoArgs,
		RunE:  runContingencyThresholds,
	}

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Show recorded mutating API requests",
		Args:  cobra.NoArgs,
		RunE:  runAudit,
	}

	// --- Status ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show queue, host resources and placement at a glance",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.sessionplane/sessionplane.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", defaultAPIAddr(), "admin API address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv(config.EnvAPIToken), "admin API bearer token")

	queueAddCmd.Flags().StringVar(&enqueueSession, "session", "", "session id")
	queueAddCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "priority 1 (highest) to 10; default 5")
	queueAddCmd.Flags().IntVar(&enqueueRetries, "max-retries", -1, "retry budget; default from config")
	queueAddCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload")
	_ = queueAddCmd.MarkFlagRequired("session")
	queueRequeueCmd.Flags().IntVar(&requeuePriority, "priority", 0, "priority 1 (highest) to 10; default 5")
	queueCmd.AddCommand(queueStatsCmd, queueAddCmd, queueListCmd, queueRemoveCmd, queueDeadCmd, queueRequeueCmd)

	scheduleAddCmd.Flags().StringVar(&scheduleID, "id", "", "schedule id; generated when empty")
	scheduleAddCmd.Flags().StringVar(&scheduleName, "name", "", "display name")
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "", `five-field cron expression, e.g. "0 * * * *"`)
	scheduleAddCmd.Flags().StringVar(&scheduleSession, "session", "", "session id of the generated work")
	scheduleAddCmd.Flags().StringVar(&schedulePayload, "payload", "", "JSON payload of the generated work")
	scheduleAddCmd.Flags().IntVar(&scheduleRetries, "max-retries", -1, "retry budget of the generated work; default from config")
	scheduleAddCmd.Flags().StringVar(&scheduleStart, "window-start", "", "window start HH:MM")
	scheduleAddCmd.Flags().StringVar(&scheduleEnd, "window-end", "", "window end HH:MM")
	scheduleAddCmd.Flags().IntSliceVar(&scheduleDays, "days", nil, "allowed weekdays, 0=Sunday")
	scheduleAddCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "create disabled")
	_ = scheduleAddCmd.MarkFlagRequired("cron")
	_ = scheduleAddCmd.MarkFlagRequired("session")
	scheduleCmd.AddCommand(scheduleListCmd, scheduleAddCmd, scheduleRemoveCmd, scheduleEnableCmd, scheduleDisableCmd, scheduleRunCmd)

	proxyAddCmd.Flags().StringVar(&proxyID, "id", "", "proxy id; generated when empty")
	proxyAddCmd.Flags().StringVar(&proxyAddress, "address", "", "proxy host")
	proxyAddCmd.Flags().IntVar(&proxyPort, "port", 0, "proxy port")
	proxyAddCmd.Flags().StringVar(&proxyKind, "kind", "http", "http, https or socks5")
	proxyAddCmd.Flags().StringVar(&proxyUser, "username", "", "proxy username")
	proxyAddCmd.Flags().StringVar(&proxyPassword, "password", "", "proxy password")
	_ = proxyAddCmd.MarkFlagRequired("address")
	_ = proxyAddCmd.MarkFlagRequired("port")
	proxyListCmd.Flags().BoolVar(&proxyActive, "active", false, "only active proxies")
	proxySelectCmd.Flags().StringVar(&proxyStrategy, "strategy", "auto", "round_robin, random, best or auto")
	proxyCmd.AddCommand(proxyListCmd, proxyAddCmd, proxyRemoveCmd, proxyActivateCmd, proxyDeactivateCmd, proxySelectCmd)

	contingencyThresholdsCmd.Flags().Float64Var(&thresholdBlockRate, "block-rate", 0, "block rate that evicts a proxy (0.01-0.50)")
	contingencyThresholdsCmd.Flags().IntVar(&thresholdFailures, "consecutive-failures", 0, "failures that evict a proxy (1-10)")
	contingencyThresholdsCmd.Flags().IntVar(&thresholdCoolDownMin, "cool-down-min", 0, "minimum cooldown seconds")
	contingencyThresholdsCmd.Flags().IntVar(&thresholdCoolDownMax, "cool-down-max", 0, "maximum cooldown seconds")
	contingencyCmd.AddCommand(contingencyListCmd, contingencyShowCmd, contingencyResetCmd, contingencyTeardownCmd, contingencyThresholdsCmd)

	rootCmd.AddCommand(runCmd, queueCmd, scheduleCmd, proxyCmd, trainCmd, contingencyCmd, auditCmd, statusCmd)
}

func defaultAPIAddr() string {
	if v := os.Getenv(config.EnvAPIAddr); v != "" {
		return v
	}
	return config.DefaultConfig().API.Addr
}
