package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validDoc() Document {
	return Document{
		InstallFolder:              "/opt/devicefarmd",
		DeviceListenerPollInterval: 5,
		PortRange:                  PortRange{StartPort: 4723, EndPort: 4730},
		Plugins: []PluginDoc{
			{ID: "appium", Kind: "process", Executable: "appium", Enabled: true},
		},
	}
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	errs := Validate(validDoc())
	assert.Empty(t, errs)
}

func TestValidateCollectsAllViolationsInOnePass(t *testing.T) {
	doc := validDoc()
	doc.InstallFolder = "  "
	doc.DeviceListenerPollInterval = 0
	doc.PortRange = PortRange{StartPort: 100, EndPort: 50}
	doc.Plugins = append(doc.Plugins, PluginDoc{ID: "", Enabled: true})

	errs := Validate(doc)
	assert.GreaterOrEqual(t, len(errs), 4)

	joined := strings.Join(errs, "\n")
	assert.Contains(t, joined, "installFolder")
	assert.Contains(t, joined, "deviceListenerPollInterval")
	assert.Contains(t, joined, "portRange")
	assert.Contains(t, joined, "id must not be empty")
}

func TestValidateRejectsDuplicatePluginIDs(t *testing.T) {
	doc := validDoc()
	doc.Plugins = append(doc.Plugins, PluginDoc{ID: "appium", Kind: "process", Executable: "appium", Enabled: true})

	errs := Validate(doc)
	found := false
	for _, e := range errs {
		if strings.Contains(e, "duplicate") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateRejectsEnabledPluginWithoutExecutable(t *testing.T) {
	doc := validDoc()
	doc.Plugins = []PluginDoc{{ID: "p", Kind: "process", Enabled: true}}

	errs := Validate(doc)
	assert.NotEmpty(t, errs)
}

func TestValidateRejectsHealthCheckCycleAndMissingTimeouts(t *testing.T) {
	doc := validDoc()
	doc.Plugins = []PluginDoc{
		{ID: "a", Kind: "process", Executable: "x", Enabled: true, DependsOn: []string{"b"}},
		{ID: "b", Kind: "process", Executable: "y", Enabled: true, DependsOn: []string{"a"}},
		{ID: "c", Kind: "process", Executable: "z", Enabled: true, HealthCheck: &HealthCheckDoc{Executable: "hc"}},
	}
	errs := Validate(doc)

	joined := strings.Join(errs, "\n")
	assert.Contains(t, joined, "cycle")
	assert.Contains(t, joined, "healthCheck.timeoutSeconds")
	assert.Contains(t, joined, "healthCheck.intervalSeconds")
}

func TestApplyDefaultsFillsPlatformPortsAndIntervals(t *testing.T) {
	doc := validDoc()
	applyDefaults(&doc)

	assert.Equal(t, defaultAndroidPortCount, doc.PlatformPorts.Android)
	assert.Equal(t, defaultIOSPortCount, doc.PlatformPorts.IOS)
	assert.Equal(t, defaultPluginMonitorIntervalSeconds, doc.PluginMonitorIntervalSeconds)
	assert.Equal(t, defaultRestartBackoffSeconds, doc.PluginRestartBackoffSeconds)
}
