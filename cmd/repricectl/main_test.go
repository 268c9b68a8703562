package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRulesValidate_ShippedPack(t *testing.T) {
	out, err := runCLI(t, "rules", "validate", filepath.Join("..", "..", "config", "rules.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "2 rules OK")
}

func TestRulesValidate_ReportsInvalidRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	pack := `
rules:
  - name: ""
    type: COMPETITIVE
    target_configuration:
      all_products: true
    trigger_conditions:
      primary:
        kind: MANUAL
    actions:
      primary:
        kind: ADJUST_PERCENT
        adjust:
          percent: 1
`
	require.NoError(t, os.WriteFile(path, []byte(pack), 0o600))

	out, err := runCLI(t, "rules", "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 rules invalid")
	assert.Contains(t, out, "rule 0")
}

func TestRulesValidate_MissingFile(t *testing.T) {
	_, err := runCLI(t, "rules", "validate", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
