package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDeployment = `
name: Echo
slug: echo
origin:
  type: raw
  url: http://localhost:9000
toolConfigs:
  - name: echo
    pure: true
pricingPlans:
  - name: Free
    slug: free
    lineItems:
      - slug: base
        usageType: licensed
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "echo.yaml")
	require.NoError(t, os.WriteFile(good, []byte(validDeployment), 0o600))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"name":"","slug":"Bad Slug","origin":{"type":"ftp"}}`), 0o600))

	t.Run("valid file", func(t *testing.T) {
		out, err := runCLI(t, "validate", good)
		require.NoError(t, err)
		assert.Contains(t, out, "ok   "+good)
	})

	t.Run("invalid file", func(t *testing.T) {
		out, err := runCLI(t, "validate", good, bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2")
		assert.Contains(t, out, "FAIL "+bad)
		assert.Contains(t, out, "name is required")
	})

	t.Run("unknown extension", func(t *testing.T) {
		_, err := runCLI(t, "validate", filepath.Join(dir, "x.ini"))
		require.Error(t, err)
	})

	t.Run("needs a file", func(t *testing.T) {
		_, err := runCLI(t, "validate")
		require.Error(t, err)
	})
}
