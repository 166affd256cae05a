package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fly-io/metalprov/internal/config"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"device=pxe", "persistent=true", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"device": "pxe", "persistent": "true", "empty": ""}, params)

	_, err = parseParams([]string{"device"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=pxe"})
	assert.Error(t, err)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		SQLitePath:    filepath.Join(dir, "db", "inventory.db"),
		WorkDir:       filepath.Join(dir, "work"),
		ImageCacheDir: filepath.Join(dir, "images"),
	}
	require.NoError(t, ensureDirectories(cfg))

	for _, p := range []string{"db", "work", "images"} {
		fi, err := os.Stat(filepath.Join(dir, p))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestInventoryFile(t *testing.T) {
	data := `
nodes:
  - id: rack1-u7
    driver: pxe_ipmitool
    driver_info:
      ipmi_address: 10.0.0.17
    image: s3://images/base.raw.zst
    root_mb: 20480
    preserve_ephemeral: true
`
	var inv inventoryFile
	require.NoError(t, yaml.Unmarshal([]byte(data), &inv))
	require.Len(t, inv.Nodes, 1)

	n := inv.Nodes[0]
	assert.Equal(t, "rack1-u7", n.ID)
	assert.Equal(t, "10.0.0.17", n.DriverInfo["ipmi_address"])
	assert.Equal(t, 20480, n.RootMiB)
	assert.True(t, n.PreserveEphemeral)
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"node", "import"}, {"power", "status"}, {"power", "reboot"},
		{"deploy"}, {"teardown"}, {"boot-device"}, {"vendor"},
		{"console", "start"}, {"remote", "power"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
