// Package plugin hosts the hub's feature plugins: lifecycle,
// config-driven enable/disable, quarantine for broken config, and
// command registration.
package plugin

import (
	"context"
	"encoding/json"

	"notifyhub/internal/config"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/storage"
	kit "notifyhub/internal/transport"
	"notifyhub/internal/transport/telegram/router"
	"notifyhub/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// ConfigurablePlugin receives its raw config blob on enable and on
// every change.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before
// applying it.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// HealthChecker is an optional plugin interface for on-demand health
// probes (used by /status and the ops endpoint).
type HealthChecker interface {
	Health(ctx context.Context) (status string, err error)
}

type Deps struct {
	Logger   logx.Logger
	Adapter  kit.Adapter
	Config   *config.Manager
	Services *router.Services
	Bus      eventbus.Bus
	Store    storage.Store
	Owners   []int64
}

// Config aliases keep plugin code importable without reaching into
// the config package everywhere.

type Config = config.Config

type PluginConfigRaw = config.PluginConfigRaw

type StopReason string

const (
	StopShutdown         StopReason = "shutdown"
	StopPluginDisable    StopReason = "disable"
	StopPluginQuarantine StopReason = "quarantine"
)

// Status types are shared with the router so command handlers can
// render them without importing this package.

type PluginsSnapshot = router.PluginsSnapshot

type PluginStatus = router.PluginStatus

type PluginHealthResult = router.PluginHealthResult
