package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureBasics(t *testing.T) {
	now := time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC) // a Wednesday afternoon
	rec := Capture(Input{
		Rule:    "file-guard",
		Path:    "src/app/handlers/auth.GO",
		Content: []byte("package handlers"),
		Caller:  "editor",
		Now:     now,
	})

	assert.Equal(t, "file-guard", rec.Rule)
	assert.Equal(t, ".go", rec.Extension, "extension is lowercased")
	assert.Equal(t, "source", rec.FileClass)
	assert.Equal(t, "mid", rec.DepthBucket)
	assert.Equal(t, 14, rec.HourOfDay)
	assert.Equal(t, time.Wednesday, rec.DayOfWeek)
	assert.Len(t, rec.Fingerprint, 64, "sha256 hex")
	assert.Equal(t, now, rec.CapturedAt)
}

func TestCaptureDegradesGracefully(t *testing.T) {
	rec := Capture(Input{Rule: "file-guard"})

	assert.Empty(t, rec.Path)
	assert.Empty(t, rec.Extension)
	assert.Equal(t, "unknown", rec.FileClass)
	assert.Empty(t, rec.Fingerprint)
	assert.False(t, rec.CapturedAt.IsZero())
}

func TestCaptureSameContentSameFingerprint(t *testing.T) {
	a := Capture(Input{Rule: "r", Path: "a.txt", Content: []byte("hello")})
	b := Capture(Input{Rule: "r", Path: "b.txt", Content: []byte("hello")})
	c := Capture(Input{Rule: "r", Path: "c.txt", Content: []byte("other")})

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"main.go", "source"},
		{"deploy.sh", "script"},
		{"config.yaml", "config"},
		{"README.md", "doc"},
		{"archive.zip", "binary"},
		{"go.sum", "lockfile"},
		{"data.parquet", "other"},
		{"Makefile", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := Capture(Input{Rule: "r", Path: tc.path})
			assert.Equal(t, tc.want, rec.FileClass)
		})
	}
}

func TestDepthBucket(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"main.go", "shallow"},
		{"src/main.go", "shallow"},
		{"src/app/main.go", "shallow"},
		{"src/app/web/main.go", "mid"},
		{"a/b/c/d/e/main.go", "mid"},
		{"a/b/c/d/e/f/main.go", "deep"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := Capture(Input{Rule: "r", Path: tc.path})
			assert.Equal(t, tc.want, rec.DepthBucket)
		})
	}
}

func TestPatternKeys(t *testing.T) {
	now := time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC) // Saturday night
	rec := Capture(Input{Rule: "r", Path: "src/app/deep/x.go", Now: now})

	keys := rec.PatternKeys()
	require.Len(t, keys, 5)

	byType := map[string]string{}
	for _, k := range keys {
		byType[k.Type] = k.Value
	}
	assert.Equal(t, ".go", byType[PatternExtension])
	assert.Equal(t, "source", byType[PatternFileClass])
	assert.Equal(t, "night", byType[PatternHour])
	assert.Equal(t, "saturday", byType[PatternWeekday])
	assert.Equal(t, "mid", byType[PatternDepth])
}

func TestPatternKeysWithoutPath(t *testing.T) {
	rec := Capture(Input{Rule: "r", Now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)})

	keys := rec.PatternKeys()
	require.Len(t, keys, 3, "no extension or depth without a path")
	for _, k := range keys {
		assert.NotEqual(t, PatternExtension, k.Type)
		assert.NotEqual(t, PatternDepth, k.Type)
	}
}
