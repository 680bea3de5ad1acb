package analyzer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

// #region group-rate

// GroupRate is the success rate of one (dimension, key) partition
// compared against the overall weighted rate.
type GroupRate struct {
	Dimension   string
	Key         string
	Count       int
	SuccessRate float64
	Overall     float64
	Deviation   float64
	Significant bool
}

// #endregion

// #region correlate

// CorrelateSuccess partitions executions by file extension,
// hour-of-day and day-of-week, computes per-group success rates for
// groups meeting the minimum size, and flags groups deviating from the
// overall rate by more than the threshold.
func CorrelateSuccess(records []store.ExecutionRecord, minGroupSize int, deviationThreshold float64) []GroupRate {
	if len(records) == 0 {
		return nil
	}

	var overallSuccesses int
	for _, r := range records {
		if r.Success {
			overallSuccesses++
		}
	}
	overall := float64(overallSuccesses) / float64(len(records))

	type counter struct {
		total     int
		successes int
	}
	dims := map[string]map[string]*counter{
		"extension":   {},
		"hour_of_day": {},
		"day_of_week": {},
	}

	keyFor := func(dim string, r store.ExecutionRecord) string {
		switch dim {
		case "extension":
			return r.Extension
		case "hour_of_day":
			return fmt.Sprintf("%02d", r.Timestamp.Hour())
		default:
			return strings.ToLower(r.Timestamp.Weekday().String())
		}
	}

	for _, r := range records {
		for dim, groups := range dims {
			key := keyFor(dim, r)
			if key == "" {
				continue
			}
			c := groups[key]
			if c == nil {
				c = &counter{}
				groups[key] = c
			}
			c.total++
			if r.Success {
				c.successes++
			}
		}
	}

	var rates []GroupRate
	for dim, groups := range dims {
		for key, c := range groups {
			if c.total < minGroupSize {
				continue
			}
			rate := float64(c.successes) / float64(c.total)
			deviation := math.Abs(rate - overall)
			rates = append(rates, GroupRate{
				Dimension:   dim,
				Key:         key,
				Count:       c.total,
				SuccessRate: rate,
				Overall:     overall,
				Deviation:   deviation,
				Significant: deviation > deviationThreshold,
			})
		}
	}

	sort.Slice(rates, func(i, j int) bool {
		if rates[i].Dimension != rates[j].Dimension {
			return rates[i].Dimension < rates[j].Dimension
		}
		return rates[i].Key < rates[j].Key
	})
	return rates
}

// #endregion
