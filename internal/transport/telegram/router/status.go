package router

import "time"

// Plugin runtime status types live here so both the plugin host and
// command handlers can use them without an import cycle.

type PluginHealthResult struct {
	Plugin string
	At     time.Time
	Status string
	Err    string
	Fails  int
}

type PluginStatus struct {
	Name            string
	Enabled         bool
	Running         bool
	HasConfig       bool
	Quarantined     bool
	QuarantineErr   string
	QuarantineSince time.Time
	LastHealth      PluginHealthResult
}

type PluginsSnapshot struct {
	Time    time.Time
	Plugins []PluginStatus
}
