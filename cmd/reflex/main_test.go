package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is written by the injector and the command loop at once.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "reflex.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"reflex"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "USAGE")

	stderr.Reset()
	assert.Equal(t, 2, Run([]string{"reflex", "launch"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: launch")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"reflex", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "reflections")
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"reflex", "version"}, &stdout, &stderr))
	assert.True(t, strings.HasPrefix(stdout.String(), "reflex "))
	assert.Contains(t, stdout.String(), "config schema 1.0.0")
}

func TestDoctorJSON(t *testing.T) {
	p := writeConfig(t, "log:\n  level: error\n")
	var stdout, stderr bytes.Buffer
	code := Run([]string{"reflex", "doctor", "-config", p, "-json"}, &stdout, &stderr)

	var results []checkResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &results), stdout.String())
	byName := map[string]checkResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	assert.Equal(t, "ok", byName["config"].Status)
	require.Contains(t, byName, "battery")
	require.Contains(t, byName, "health")
	// No battery sample has arrived, so health cannot be ok.
	assert.NotEqual(t, "ok", byName["health"].Status)
	if byName["health"].Status == "failing" {
		assert.Equal(t, 1, code)
	}
}

func TestDoctorBadConfig(t *testing.T) {
	p := writeConfig(t, "version: \"4.0.0\"\n")
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"reflex", "doctor", "-config", p}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "unsupported schema version")
}

func TestReflectionsEmptyMemoryStore(t *testing.T) {
	t.Setenv("REFLEX_REFLECTION_DSN", "")
	t.Setenv("REFLEX_CONFIG", "")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"reflex", "reflections", "-n", "3"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "no reflections in memory store")
}

func TestReflectionsSQLite(t *testing.T) {
	db := filepath.Join(t.TempDir(), "reflections.db")
	p := writeConfig(t, "reflection:\n  store: sqlite\n  dsn: "+db+"\n")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"reflex", "reflections", "-config", p, "-json"}, &stdout, &stderr), stderr.String())
	assert.Equal(t, "null", strings.TrimSpace(stdout.String()))
}

func TestRunConsoleSession(t *testing.T) {
	p := writeConfig(t, `
log:
  level: error
tools:
  - name: lights.on
    tier: read_only
`)
	stdin = strings.NewReader("hello there\n/battery 7.6\nstop\n")
	t.Cleanup(func() { stdin = os.Stdin })

	var stdout, stderr lockedBuffer
	code := Run([]string{"reflex", "run", "-config", p}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, ">> heard: hello there")
	assert.Contains(t, out, "battery 43% warning")
	assert.Contains(t, out, ">> stop")
}
