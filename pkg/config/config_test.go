package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/txproc/pkg/types"
)

const sampleYAML = `
global:
  logLevel: debug
  dataDir: /var/lib/txproc
  notLocalQueueRouter: forward

queues:
  - name: work
    kind: straight
    workers: 4
    maxLength: 100
    maxExecTime: 30s
    shell: /bin/bash
  - name: longrunning
    persistentApp: ["/usr/bin/worker", "--mode=serve"]
    managementQueue: mgmt
    managementMask: ["workerStartup", "persistentDied"]
    managementKind: binary
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoadParsesGlobalsAndQueues(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", f.Global.LogLevel)
	assert.Equal(t, "/var/lib/txproc", f.Global.DataDir)
	assert.Equal(t, "forward", f.Global.NotLocalQueueRouter)
	require.Len(t, f.Queues, 2)
	assert.Equal(t, "work", f.Queues[0].Name)
	assert.Equal(t, 4, f.Queues[0].Workers)
	assert.Equal(t, 30*time.Second, f.Queues[0].MaxExecTime)
}

func TestToQueueDescriptorsConvertsManagementMask(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	f, err := Load(path)
	require.NoError(t, err)

	descs, err := f.ToQueueDescriptors()
	require.NoError(t, err)
	require.Len(t, descs, 2)

	var longRunning *types.QueueDescriptor
	for _, d := range descs {
		if d.Name == "longrunning" {
			longRunning = d
		}
	}
	require.NotNil(t, longRunning)
	assert.True(t, longRunning.ManagementMask.Has(types.MgmtWorkerStartup))
	assert.True(t, longRunning.ManagementMask.Has(types.MgmtPersistentDied))
	assert.False(t, longRunning.ManagementMask.Has(types.MgmtPersistentStartup))
	assert.Equal(t, []string{"/usr/bin/worker", "--mode=serve"}, longRunning.PersistentApp)
}

func TestApplyOverrideSetsGlobalField(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	f, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, f.ApplyOverride("main", "logLevel", "warn"))
	assert.Equal(t, "warn", f.Global.LogLevel)
}

func TestApplyOverrideSetsQueueField(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	f, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, f.ApplyOverride("work", "workers", "8"))
	assert.Equal(t, 8, f.Queues[0].Workers)
}

func TestApplyOverrideCreatesQueueNotInFile(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	f, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, f.ApplyOverride("brandnew", "shell", "/bin/zsh"))
	require.Len(t, f.Queues, 3)
	assert.Equal(t, "/bin/zsh", f.Queues[2].Shell)
}

func TestParseOverrideFlagSplitsSectionKeyValue(t *testing.T) {
	section, key, value, err := ParseOverrideFlag("main.logLevel=debug")
	require.NoError(t, err)
	assert.Equal(t, "main", section)
	assert.Equal(t, "logLevel", key)
	assert.Equal(t, "debug", value)
}

func TestParseOverrideFlagRejectsMissingEquals(t *testing.T) {
	_, _, _, err := ParseOverrideFlag("main.logLevel")
	assert.Error(t, err)
}
