// Package probe wraps the opaque Android (ADB-like) and iOS
// (libimobiledevice-like) device-enumeration executables behind a uniform
// contract, so the listener never shells out or parses CLI output directly.
// Both probes are treated as opaque executables invoked via the process
// subsystem.
package probe

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/devicefarmd/agent/internal/device"
	"github.com/devicefarmd/agent/internal/process"
)

// ErrPairingRequired signals an iOS probe reporting pairing/trust failure.
// The caller must leave its prior snapshot unchanged for this tick.
var ErrPairingRequired = errors.New("probe: device pairing/trust required")

// Seen is one line of a probe's parsed output: an attached device's
// identity and kind/name, prior to being merged into the device registry.
type Seen struct {
	ID   string
	Kind device.Kind
	Name string
}

// Android wraps an ADB-like "list devices" executable. Output is expected
// one device per line: "<serial>\t<state>[\t<kind-hint>]".
type Android struct {
	Executable string
	Args       []string
	Timeout    time.Duration
}

// Available reports whether the probe's executable is configured at all.
func (a Android) Available() bool { return a.Executable != "" }

func (a Android) Enumerate(ctx context.Context) ([]Seen, error) {
	out, err := runCaptured(ctx, a.Executable, a.Args, a.Timeout)
	if err != nil {
		return nil, err
	}
	return parseAndroidOutput(out), nil
}

func parseAndroidOutput(out string) []Seen {
	var result []Seen
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		serial, state := fields[0], fields[1]
		if state != "device" && state != "emulator" {
			continue
		}
		kind := device.Physical
		if strings.HasPrefix(serial, "emulator-") || state == "emulator" {
			kind = device.Emulator
		}
		result = append(result, Seen{ID: serial, Kind: kind})
	}
	return result
}

// IOS wraps a libimobiledevice-like "list devices" executable. Output is
// expected one device per line: "<udid> <name>". A failed run (non-zero
// exit, timeout, or launch error) whose output mentions "trust" or "pair"
// is surfaced as ErrPairingRequired so the listener can skip the tick and
// keep its prior snapshot; any other failed run returns its own error.
type IOS struct {
	Executable string
	Args       []string
	Timeout    time.Duration
}

func (i IOS) Available() bool { return i.Executable != "" }

func (i IOS) Enumerate(ctx context.Context) ([]Seen, error) {
	out, err := runCaptured(ctx, i.Executable, i.Args, i.Timeout)
	if err != nil {
		if strings.Contains(strings.ToLower(out), "trust") || strings.Contains(strings.ToLower(out), "pair") {
			return nil, ErrPairingRequired
		}
		return nil, err
	}
	return parseIOSOutput(out), nil
}

func parseIOSOutput(out string) []Seen {
	var result []Seen
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		seen := Seen{ID: parts[0], Kind: device.Physical}
		if len(parts) == 2 {
			seen.Name = strings.TrimSpace(parts[1])
		}
		result = append(result, seen)
	}
	return result
}

type capturingWriter struct{ b strings.Builder }

func (c *capturingWriter) Write(p []byte) (int, error) { return c.b.Write(p) }

func runCaptured(ctx context.Context, exe string, args []string, timeout time.Duration) (string, error) {
	var out capturingWriter
	code, timedOut, err := process.Run(ctx, process.Spec{Executable: exe, Args: args, Stdout: &out, Stderr: &out}, timeout)
	if err != nil {
		return out.b.String(), err
	}
	if timedOut {
		return out.b.String(), errors.New("probe: timed out")
	}
	if code != 0 {
		return out.b.String(), errors.New("probe: exited non-zero")
	}
	return out.b.String(), nil
}
