package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestUpdateNode(t *testing.T) {
	yamlInput := `
# Top comment
api:
  # API comment
  listen: "127.0.0.1:7591" # Inline comment
  enabled: true
ui:
  # Theme comment
  dark_mode: false
`

	var node yaml.Node
	err := yaml.Unmarshal([]byte(yamlInput), &node)
	assert.NoError(t, err)

	updates := map[string]interface{}{
		"ui": map[string]interface{}{
			"dark_mode": true,
		},
		"auto_connect": false,
	}

	err = UpdateNode(&node, updates)
	assert.NoError(t, err)

	out, err := yaml.Marshal(&node)
	assert.NoError(t, err)

	outStr := string(out)

	// Verify values updated
	assert.Contains(t, outStr, "dark_mode: true")
	assert.Contains(t, outStr, "auto_connect: false")

	// Verify comments preserved
	assert.Contains(t, outStr, "# Top comment")
	assert.Contains(t, outStr, "# API comment")
	assert.Contains(t, outStr, "# Theme comment")
	assert.Contains(t, outStr, "# Inline comment")
}

func TestUpdateNode_NotAMapping(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("- one\n- two\n"), &node))

	err := UpdateNode(&node, map[string]interface{}{"key": "value"})
	assert.ErrorContains(t, err, "expected mapping node")
}

func TestUpdateFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")

	content := `# Hand-edited by the user, do not flatten
ui:
  dark_mode: false # toggled from the tray
tray:
  enabled: true
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0600))

	err := UpdateFile(configFile, map[string]interface{}{
		"ui": map[string]interface{}{
			"dark_mode": true,
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(configFile)
	require.NoError(t, err)

	outStr := string(data)
	assert.Contains(t, outStr, "dark_mode: true")
	assert.Contains(t, outStr, "# Hand-edited by the user, do not flatten")
	assert.Contains(t, outStr, "# toggled from the tray")
	assert.Contains(t, outStr, "enabled: true")

	info, err := os.Stat(configFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestUpdateFile_MissingFile(t *testing.T) {
	err := UpdateFile(filepath.Join(t.TempDir(), "missing.yaml"), map[string]interface{}{"k": "v"})
	assert.Error(t, err)
}
