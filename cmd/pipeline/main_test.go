package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-etl-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSpecYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  type: csv
  location: in.csv
  options:
    delimiter: ";"
transformations:
  - operation: filter_rows
    column: status
    condition: equals
    value: active
target:
  type: json
  location: out.json
`), 0o600))

	spec, err := readSpec(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "in.csv", spec.Source.Location)
	assert.Equal(t, ";", spec.Source.Options.String("delimiter", ","))
	require.Len(t, spec.Transformations, 1)
	assert.Equal(t, "filter_rows", spec.Transformations[0].Name())
	assert.Equal(t, "out.json", spec.Target.Location)
}

func TestReadSpecStdinJSON(t *testing.T) {
	stdin := strings.NewReader(`{"source": {"location": "in.csv"}, "target": {"location": "out.csv"}}`)
	spec, err := readSpec(stdin, "-")
	require.NoError(t, err)
	assert.Equal(t, "in.csv", spec.Source.Location)
}

func TestReadSpecRejectsUnknownFields(t *testing.T) {
	stdin := strings.NewReader("source:\n  location: in.csv\nsink: {}\n")
	_, err := readSpec(stdin, "-")
	assert.ErrorContains(t, err, "invalid agent input")

	_, err = readSpec(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read spec")
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "engine.yaml")
	content := "store:\n  path: \"\"\ninput:\n  dir: " + dir + "\noutput:\n  dir: " + dir + "\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	source := filepath.Join(dir, "in.csv")
	target := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(source, []byte("status,amount\nactive,10\ninactive,20\n"), 0o600))
	specPath := filepath.Join(dir, "spec.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(`
source: {type: csv, location: `+source+`}
transformations:
  - {operation: filter_rows, column: status, condition: equals, value: active}
target: {type: csv, location: `+target+`}
`), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "--config", cfgPath, "--spec", specPath, "--caller", "acme", "--tier", "free"})
	require.NoError(t, cmd.Execute())

	var result model.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.RecordsProcessed.Loaded)

	written, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "status,amount\nactive,10\n", string(written))
}

func TestRunCommandReportsDenial(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	specPath := filepath.Join(dir, "spec.json")
	require.NoError(t, os.WriteFile(specPath, []byte(`{"source": {"type": "json", "location": "in.json"}}`), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "-c", cfgPath, "-s", specPath, "-t", "free"})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "status denied")
	assert.Contains(t, out.String(), "FeatureNotAvailable")
}

func TestRunCommandRejectsPathsOutsideRoots(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	outside := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(outside, []byte("a\n1\n"), 0o600))
	specPath := filepath.Join(dir, "spec.json")
	require.NoError(t, os.WriteFile(specPath, []byte(`{"source": {"type": "csv", "location": "`+outside+`"}, "target": {"type": "csv", "location": "out.csv"}}`), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "-c", cfgPath, "-s", specPath})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "status failed")
	assert.Contains(t, out.String(), "NotFound")
	assert.NoFileExists(t, filepath.Join(dir, "out.csv"))
}

func TestRetryCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: "+filepath.Join(dir, "runs.db")+"\ninput:\n  dir: "+dir+"\noutput:\n  dir: "+dir+"\nlogging:\n  level: error\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.csv"), []byte("a\n1\n"), 0o600))
	specPath := filepath.Join(dir, "spec.json")
	require.NoError(t, os.WriteFile(specPath, []byte(`{"source": {"type": "csv", "location": "in.csv"}, "target": {"type": "csv", "location": "out.csv"}}`), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "-c", cfgPath, "-s", specPath, "--caller", "acme"})
	require.NoError(t, cmd.Execute())
	var first model.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &first))

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"retry", first.RunID, "-c", cfgPath})
	require.NoError(t, cmd.Execute())
	var second model.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &second))
	assert.Equal(t, model.StatusSuccess, second.Status)
	assert.NotEqual(t, first.RunID, second.RunID)

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"retry", first.RunID, "-c", cfgPath, "--caller", "mallory"})
	assert.ErrorContains(t, cmd.Execute(), "another caller")
}

func TestTiersCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"tiers"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "name: free")
	assert.Contains(t, out.String(), "name: enterprise")
}
