// Package capture normalizes one rule invocation into an immutable
// fact record. Capture is a pure function: malformed input degrades to
// a minimal record, never an error, so the invoking rule always runs.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// #region types

// Input is the raw invocation payload handed to the learning layer.
type Input struct {
	Rule    string
	Path    string
	Content []byte
	Caller  string
	Now     time.Time // zero = time.Now
}

// Record is the normalized fact derived from one invocation.
type Record struct {
	Rule        string
	Path        string
	Extension   string
	FileClass   string
	Fingerprint string
	DepthBucket string
	HourOfDay   int
	DayOfWeek   time.Weekday
	Caller      string
	CapturedAt  time.Time
}

// Pattern is one hashable grouping dimension of an execution.
type Pattern struct {
	Type  string
	Value string
}

// Pattern type names used for grouping statistics.
const (
	PatternExtension = "extension"
	PatternFileClass = "file_class"
	PatternHour      = "hour_of_day"
	PatternWeekday   = "day_of_week"
	PatternDepth     = "dir_depth"
)

// #endregion

// #region capture

// Capture derives the fact record for one invocation.
func Capture(in Input) Record {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	rec := Record{
		Rule:       in.Rule,
		Path:       in.Path,
		Caller:     in.Caller,
		HourOfDay:  now.Hour(),
		DayOfWeek:  now.Weekday(),
		CapturedAt: now,
	}

	if in.Path != "" {
		rec.Extension = strings.ToLower(filepath.Ext(in.Path))
		rec.DepthBucket = depthBucket(in.Path)
	}
	rec.FileClass = classify(rec.Extension)

	if len(in.Content) > 0 {
		sum := sha256.Sum256(in.Content)
		rec.Fingerprint = hex.EncodeToString(sum[:])
	}

	return rec
}

// #endregion

// #region pattern-keys

// PatternKeys returns the grouping dimensions active for this record,
// used to key pattern statistics and confusion matrices.
func (r Record) PatternKeys() []Pattern {
	keys := make([]Pattern, 0, 5)
	if r.Extension != "" {
		keys = append(keys, Pattern{Type: PatternExtension, Value: r.Extension})
	}
	keys = append(keys,
		Pattern{Type: PatternFileClass, Value: r.FileClass},
		Pattern{Type: PatternHour, Value: hourBucket(r.HourOfDay)},
		Pattern{Type: PatternWeekday, Value: strings.ToLower(r.DayOfWeek.String())},
	)
	if r.DepthBucket != "" {
		keys = append(keys, Pattern{Type: PatternDepth, Value: r.DepthBucket})
	}
	return keys
}

// #endregion

// #region classification

var classByExt = map[string]string{
	".go":   "source",
	".py":   "source",
	".js":   "source",
	".ts":   "source",
	".rs":   "source",
	".c":    "source",
	".h":    "source",
	".java": "source",
	".rb":   "source",
	".sh":   "script",
	".bash": "script",
	".zsh":  "script",
	".ps1":  "script",
	".json": "config",
	".yaml": "config",
	".yml":  "config",
	".toml": "config",
	".ini":  "config",
	".env":  "config",
	".md":   "doc",
	".txt":  "doc",
	".rst":  "doc",
	".pdf":  "binary",
	".png":  "binary",
	".jpg":  "binary",
	".gz":   "binary",
	".zip":  "binary",
	".so":   "binary",
	".db":   "binary",
	".lock": "lockfile",
	".sum":  "lockfile",
}

func classify(ext string) string {
	if ext == "" {
		return "unknown"
	}
	if class, ok := classByExt[ext]; ok {
		return class
	}
	return "other"
}

// depthBucket maps directory depth to a small categorical key so the
// analyzer can group on it without one bucket per depth.
func depthBucket(path string) string {
	depth := strings.Count(filepath.ToSlash(filepath.Clean(path)), "/")
	switch {
	case depth <= 2:
		return "shallow"
	case depth <= 5:
		return "mid"
	default:
		return "deep"
	}
}

// hourBucket groups hours into day quarters; per-hour groups rarely
// reach the analyzer's minimum group size.
func hourBucket(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

// #endregion
