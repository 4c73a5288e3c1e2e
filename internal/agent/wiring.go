package agent

import (
	"path/filepath"
	"runtime"

	"github.com/devicefarmd/agent/internal/config"
	"github.com/devicefarmd/agent/internal/plugin"
	"github.com/devicefarmd/agent/internal/session"
)

func toDefinition(pd config.PluginDoc) plugin.Definition {
	def := plugin.Definition{
		ID:                    pd.ID,
		Kind:                  plugin.Kind(pd.Kind),
		Executable:            pd.Executable,
		Runtime:               pd.Runtime,
		Args:                  pd.Args,
		Env:                   pd.Env,
		WorkDir:               pd.WorkDir,
		TriggerOn:             plugin.NormalizeTriggerOn(pd.TriggerOn),
		StopOnDisconnect:      pd.StopOnDisconnect,
		Enabled:               pd.Enabled,
		DependsOn:             pd.DependsOn,
		MaxRestarts:           pd.MaxRestarts,
		RestartBackoffSeconds: pd.RestartBackoffSeconds,
	}
	if pd.HealthCheck != nil {
		def.HealthCheck = &plugin.HealthCheck{
			Executable:              pd.HealthCheck.Executable,
			Args:                    pd.HealthCheck.Args,
			Runtime:                 pd.HealthCheck.Runtime,
			TimeoutSeconds:          pd.HealthCheck.TimeoutSeconds,
			IntervalSeconds:         pd.HealthCheck.IntervalSeconds,
			ConsecutiveFailureLimit: pd.HealthCheck.ConsecutiveFailureLimit,
		}
	}
	return def
}

// scriptsDir follows the install folder layout contract:
// "Platform/<os>/Scripts/" under installFolder, host-OS-named executables.
func scriptsDir(installFolder string) string {
	return filepath.Join(installFolder, "Platform", runtime.GOOS, "Scripts")
}

func defaultAndroidScripts(installFolder string) session.ScriptSet {
	dir := scriptsDir(installFolder)
	return session.ScriptSet{
		StartExecutable: filepath.Join(dir, scriptName("start-android")),
		StopExecutable:  filepath.Join(dir, scriptName("stop-android")),
	}
}

func defaultIOSScripts(installFolder string) session.ScriptSet {
	dir := scriptsDir(installFolder)
	return session.ScriptSet{
		StartExecutable: filepath.Join(dir, scriptName("start-ios")),
		StopExecutable:  filepath.Join(dir, scriptName("stop-ios")),
	}
}

func scriptName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".bat"
	}
	return base + ".sh"
}
