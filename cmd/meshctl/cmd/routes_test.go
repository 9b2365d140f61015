package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadRoutingTable(t *testing.T) {
	yamlTable := `
node_id: relay-1
routes:
  edge-7:
    path: [relay-1, edge-7]
    cost: 2.5
    latency: 12
    bandwidth: 100
    reliability: 0.95
`
	jsonTable := `{"node_id":"relay-1","routes":{"edge-7":{"path":["relay-1","edge-7"],"cost":2.5,"latency":12,"bandwidth":100,"reliability":0.95}}}`

	for name, content := range map[string]string{"table.yaml": yamlTable, "table.json": jsonTable} {
		table, err := readRoutingTable(writeFile(t, name, content))
		require.NoError(t, err, name)
		assert.Equal(t, "relay-1", table.NodeID, name)
		require.Contains(t, table.Routes, "edge-7", name)
		route := table.Routes["edge-7"]
		assert.Equal(t, []string{"relay-1", "edge-7"}, route.Path, name)
		assert.Equal(t, 2.5, route.Cost, name)
		assert.Equal(t, 0.95, route.Reliability, name)
	}
}

func TestReadRoutingTableErrors(t *testing.T) {
	tests := []struct {
		content string
		desc    string
	}{
		{"routes: {}", "missing node_id"},
		{"node_id: [unterminated", "invalid YAML"},
		{"node_id: relay-1\nroutes: 5", "routes not a map"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := readRoutingTable(writeFile(t, "table.yaml", tt.content))
			assert.Error(t, err)
		})
	}

	_, err := readRoutingTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
