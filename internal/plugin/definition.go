// Package plugin holds plugin definitions, the definition registry, and
// the process/script plugin kinds, all driven by config-defined
// definitions rather than compile-time-registered types.
package plugin

import (
	"strings"
	"time"
)

// Kind selects how a definition's executable is launched.
type Kind string

const (
	KindProcess Kind = "process"
	KindScript  Kind = "script"
)

// TriggerOn selects which device event, if any, instantiates a device-scoped
// instance of this definition.
type TriggerOn string

const (
	TriggerNone               TriggerOn = "none"
	TriggerDeviceConnected    TriggerOn = "device-connected"
	TriggerDeviceDisconnected TriggerOn = "device-disconnected"
)

// NormalizeTriggerOn lowercases and trims s, defaulting to TriggerNone for
// an empty value, so definitions can match case-insensitively.
func NormalizeTriggerOn(s string) TriggerOn {
	s = strings.ToLower(strings.TrimSpace(s))
	switch TriggerOn(s) {
	case TriggerDeviceConnected:
		return TriggerDeviceConnected
	case TriggerDeviceDisconnected:
		return TriggerDeviceDisconnected
	default:
		return TriggerNone
	}
}

// HealthCheck is an optional command used to probe a running instance's
// liveness beyond "child process still alive".
type HealthCheck struct {
	Executable              string
	Args                    []string
	Runtime                 string // optional interpreter, e.g. "sh", "cmd"
	TimeoutSeconds          int
	IntervalSeconds         int
	ConsecutiveFailureLimit int // default 3
}

func (h *HealthCheck) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

func (h *HealthCheck) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Definition is a PluginDefinition.
type Definition struct {
	ID                     string
	Kind                   Kind
	Executable             string
	Runtime                string // script kind only: interpreter, if any
	Args                   []string
	Env                    map[string]string
	WorkDir                string
	HealthCheck            *HealthCheck
	TriggerOn              TriggerOn
	StopOnDisconnect       bool
	Enabled                bool
	DependsOn              []string
	MaxRestarts            int
	RestartBackoffSeconds  int
}

// Trimmed returns a copy with ID trimmed, matching load-time normalization.
func (d Definition) Trimmed() Definition {
	d.ID = strings.TrimSpace(d.ID)
	return d
}
