// Command devicefarmd is the host-resident device-farm control-plane agent.
// It supports two modes:
//
//	devicefarmd install --config=agent.json
//	devicefarmd listen  --config=agent.json
//
// install acquires the exclusive install lock, runs the external platform
// provisioner, releases the lock, and exits. listen loads the configuration
// document, wires the full control plane (internal/agent), and runs until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/devicefarmd/agent/internal/agent"
	"github.com/devicefarmd/agent/internal/agentlog"
	"github.com/devicefarmd/agent/internal/config"
	"github.com/devicefarmd/agent/internal/installer"
	"github.com/rs/zerolog"
)

const (
	exitOK    = 0
	exitError = 1

	installLockTimeout = 2 * time.Minute
	provisionerTimeout = 10 * time.Minute
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: devicefarmd <install|listen> [flags]")
		return exitError
	}

	mode := args[0]
	fs := flag.NewFlagSet("devicefarmd "+mode, flag.ContinueOnError)
	configPath := fs.String("config", "agent.json", "path to the configuration document")
	logFormat := fs.String("log-format", "console", "log output format: console or json")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "skip session start/stop scripts (listen) or lock and provisioner invocation (install)")
	androidProbeExe := fs.String("android-probe", "adb", "android device probe executable")
	iosProbeExe := fs.String("ios-probe", "idevice_id", "ios device probe executable")
	adminAddr := fs.String("admin-addr", "127.0.0.1:8787", "address for the local admin HTTP surface")
	provisionerExe := fs.String("provisioner", "", "install mode: path to the external platform provisioner")
	provisionerArgsRaw := fs.String("provisioner-args", "", "install mode: space-separated provisioner arguments")
	forceClean := fs.Bool("clean", false, "install mode: force re-clean of the install folder before provisioning")

	if err := fs.Parse(args[1:]); err != nil {
		return exitError
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q: %v\n", *logLevel, err)
		return exitError
	}
	log := agentlog.New(agentlog.Format(*logFormat), level, os.Stderr)

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Str("path", *configPath).Msg("loading configuration")
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "install":
		return runInstall(ctx, log, doc, *provisionerExe, strings.Fields(*provisionerArgsRaw), *dryRun, *forceClean)
	case "listen":
		return runListen(ctx, log, doc, agent.Options{
			AndroidProbeExecutable: *androidProbeExe,
			IOSProbeExecutable:     *iosProbeExe,
			AdminAddr:              *adminAddr,
			DryRun:                 *dryRun,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q; expected install or listen\n", mode)
		return exitError
	}
}

func runInstall(ctx context.Context, log zerolog.Logger, doc config.Document, provisionerExe string, provisionerArgs []string, dryRun, forceClean bool) int {
	log = agentlog.Component(log, "install")

	if dryRun {
		log.Info().Msg("dry-run: skipping lock acquisition and provisioner invocation")
		return exitOK
	}
	if provisionerExe == "" {
		log.Error().Msg("--provisioner is required for install mode")
		return exitError
	}

	lockPath := filepath.Join(doc.InstallFolder, installer.LockFileName)
	lock, err := installer.Acquire(ctx, lockPath, installLockTimeout)
	if err != nil {
		log.Error().Err(err).Msg("acquiring install lock")
		return exitError
	}
	defer lock.Release()

	if forceClean {
		if err := installer.Clean(doc.InstallFolder); err != nil {
			log.Error().Err(err).Msg("cleaning install folder")
			return exitError
		}
		log.Info().Msg("install folder cleaned")
	}

	p := installer.Provisioner{
		Executable: provisionerExe,
		Args:       provisionerArgs,
		Dir:        doc.InstallFolder,
		Timeout:    provisionerTimeout,
	}
	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("running provisioner")
		return exitError
	}

	log.Info().Msg("install complete")
	return exitOK
}

func runListen(ctx context.Context, log zerolog.Logger, doc config.Document, opts agent.Options) int {
	a, err := agent.New(log, doc, opts)
	if err != nil {
		log.Error().Err(err).Msg("wiring agent")
		return exitError
	}

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("agent exited with error")
		return exitError
	}
	return exitOK
}
