package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, ParseDuration("5m", time.Second))
	assert.Equal(t, time.Second, ParseDuration("", time.Second))
	assert.Equal(t, time.Second, ParseDuration("soon", time.Second))
}

func TestParseValue(t *testing.T) {
	assert.Nil(t, ParseValue("  "))
	assert.Equal(t, 10.5, ParseValue(" 10.5 "))
	assert.Equal(t, true, ParseValue("TRUE"))
	assert.Equal(t, "yes", ParseValue("yes"))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ParseValue("2024-03-01"))
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "Y", "1", "yes"} {
		b, ok := ParseBool(s)
		assert.True(t, ok, s)
		assert.True(t, b, s)
	}
	_, ok := ParseBool("maybe")
	assert.False(t, ok)
}

func TestNumeric(t *testing.T) {
	f, ok := Numeric(int32(4))
	assert.True(t, ok)
	assert.Equal(t, 4.0, f)
	f, ok = Numeric(" 2.5")
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)
	_, ok = Numeric(struct{}{})
	assert.False(t, ok)
}

func TestOutputManager(t *testing.T) {
	base := t.TempDir()
	om := NewOutputManager(base)

	dir, err := om.CreateRunOutputDir("run-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	path := filepath.Join(dir, "output.csv")
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n"), 0o644))
	size, err := om.GetFileSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)

	assert.Equal(t, "/api/v1/download/run-1/output.csv", om.GetDownloadURL("run-1", path))
	assert.Equal(t, "csv", om.GetFileType(path))
	assert.Equal(t, "parquet", om.GetFileType("x.PARQUET"))
	assert.Equal(t, "unknown", om.GetFileType("x.bin"))

	loc, err := om.ResolveLocation("out.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "out.json"), loc)
	loc, err = om.ResolveLocation("s3://b/k")
	require.NoError(t, err)
	assert.Equal(t, "s3://b/k", loc)
	_, err = om.ResolveLocation("/abs/out.json")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestConfinePath(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		location string
		want     string
		outside  bool
	}{
		{location: "a.csv", want: filepath.Join(root, "a.csv")},
		{location: "run/x/../a.csv", want: filepath.Join(root, "run", "a.csv")},
		{location: filepath.Join(root, "b.csv"), want: filepath.Join(root, "b.csv")},
		{location: "../a.csv", outside: true},
		{location: "run/../../a.csv", outside: true},
		{location: filepath.Join(root, "..", "escaped.json"), outside: true},
		{location: "/etc/passwd", outside: true},
		{location: root + "-sibling/a.csv", outside: true},
	}
	for _, tc := range cases {
		got, err := ConfinePath(root, tc.location)
		if tc.outside {
			assert.ErrorIs(t, err, ErrOutsideRoot, tc.location)
			continue
		}
		require.NoError(t, err, tc.location)
		assert.Equal(t, tc.want, got)
	}

	got, err := ConfinePath("", "/etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", got)
}
