// cmd/netwatch/main_test.go
package main

import (
    "bytes"
    "os"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
    t.Helper()
    var out bytes.Buffer
    rootCmd.SetOut(&out)
    rootCmd.SetErr(&out)
    rootCmd.SetArgs(args)
    err := rootCmd.Execute()
    return out.String(), err
}

func TestVersionCmd(t *testing.T) {
    output, err := execute(t, "version")
    require.NoError(t, err)
    assert.Contains(t, output, "netwatch dev")
    assert.Contains(t, output, "Go: ")
}

func TestValidateCmd(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "config.yaml")
    require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - id: r1
    address: 10.0.0.1
  - id: r2
    address: 10.0.0.2
alerting:
  rules:
    - id: high-latency
      metric: latency_ms
      operator: ">"
      threshold: 200
      severity: high
`), 0644))

    output, err := execute(t, "validate", "--config", path)
    require.NoError(t, err)
    assert.Contains(t, output, "2 devices, 1 alert rules")
}

func TestValidateCmdRejectsBadConfig(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "config.yaml")
    require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - id: r1
    address: 10.0.0.1
  - id: r1
    address: 10.0.0.2
`), 0644))

    _, err := execute(t, "validate", "--config", path)
    require.Error(t, err)
    assert.Contains(t, err.Error(), "duplicate device ID")
}
