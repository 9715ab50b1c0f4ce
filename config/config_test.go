package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadJSONWithComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatesessd.json")
	contents := `{
		// this is a comment jsonco must strip
		"listen": ":6060",
		"session_load_timeout": "2s",
		/* block comment */
		"cluster": {
			"self": "node-a",
			"nodes": [
				{"name": "node-a", "addr": "127.0.0.1:12000"},
				{"name": "node-b", "addr": "127.0.0.1:12001"}
			]
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":6060", cfg.Listen)
	require.Equal(t, 2*time.Second, cfg.SessionLoadTimeout)
	require.Equal(t, "node-a", cfg.Cluster.ThisName)
	require.Len(t, cfg.Cluster.Nodes, 2)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatesessd.yaml")
	contents := "listen: \":6060\"\ncluster:\n  self: node-a\n  nodes:\n    - name: node-a\n      addr: 127.0.0.1:12000\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":6060", cfg.Listen)
	require.Equal(t, "node-a", cfg.Cluster.ThisName)
}

func TestLoadUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatesessd.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen = \":6060\""), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
