package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to adaptive-guard.db")
	rule := flag.String("rule", "", "rule name to inspect")
	patternType := flag.String("pattern-type", "", "filter effectiveness to one pattern type")
	limit := flag.Int("limit", 20, "show N most recent rows")
	jsonOut := flag.Bool("json", false, "output as JSON instead of tables")
	flag.Parse()

	if *dbPath == "" || *rule == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/adaptive-guard.db --rule name [--pattern-type t] [--limit N] [--json]")
		os.Exit(2)
	}

	st, err := store.Open(*dbPath, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := run(st, *rule, *patternType, *limit, *jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region report

type report struct {
	Rule          string                  `json:"rule"`
	Executions    int64                   `json:"executions"`
	SuccessRate   float64                 `json:"success_rate"`
	AvgDurationMs float64                 `json:"avg_duration_ms"`
	Effectiveness []effectivenessRow      `json:"effectiveness"`
	Parameters    []store.Parameter       `json:"parameters"`
	Changes       []store.ParameterChange `json:"changes"`
	Optimizations []store.Optimization    `json:"optimizations"`
	Insights      []store.Insight         `json:"pending_insights"`
}

type effectivenessRow struct {
	PatternType string  `json:"pattern_type"`
	PatternKey  string  `json:"pattern_key"`
	Total       int64   `json:"total"`
	Precision   float64 `json:"precision"`
	Recall      float64 `json:"recall"`
	FPR         float64 `json:"false_positive_rate"`
}

func run(st *store.Store, rule, patternType string, limit int, jsonOut bool) error {
	rep := report{Rule: rule}

	var err error
	rep.Executions, err = st.CountExecutions(rule)
	if err != nil {
		return err
	}
	recent, err := st.RecentExecutions(rule, 500)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		var successes int
		var durSum float64
		for _, r := range recent {
			if r.Success {
				successes++
			}
			durSum += float64(r.Duration) / float64(time.Millisecond)
		}
		rep.SuccessRate = float64(successes) / float64(len(recent))
		rep.AvgDurationMs = durSum / float64(len(recent))
	}

	eff, err := st.Effectiveness(rule, patternType)
	if err != nil {
		return err
	}
	for _, row := range eff {
		rep.Effectiveness = append(rep.Effectiveness, effectivenessRow{
			PatternType: row.PatternType,
			PatternKey:  row.PatternKey,
			Total:       row.Total(),
			Precision:   row.Precision(),
			Recall:      row.Recall(),
			FPR:         row.FalsePositiveRate(),
		})
	}

	if rep.Parameters, err = st.ListParameters(rule); err != nil {
		return err
	}
	if rep.Changes, err = st.ListChanges(rule, "", limit); err != nil {
		return err
	}
	if rep.Optimizations, err = st.ListOptimizations(rule, limit); err != nil {
		return err
	}
	if rep.Insights, err = st.PendingInsights(rule); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(rep)
	}
	printTables(rep)
	return nil
}

// #endregion report

// #region output

func printTables(rep report) {
	fmt.Printf("Rule:          %s\n", rep.Rule)
	fmt.Printf("Executions:    %d\n", rep.Executions)
	fmt.Printf("Success Rate:  %.1f%% (last %d)\n", rep.SuccessRate*100, min(500, int(rep.Executions)))
	fmt.Printf("Avg Duration:  %.1fms\n", rep.AvgDurationMs)

	if len(rep.Parameters) > 0 {
		fmt.Printf("\nParameters:\n")
		fmt.Printf("  %-32s  %-12s  %s\n", "Name", "Kind", "Value")
		for _, p := range rep.Parameters {
			fmt.Printf("  %-32s  %-12s  %s\n", p.Name, p.Kind, p.Value)
		}
	}

	if len(rep.Effectiveness) > 0 {
		fmt.Printf("\nPattern effectiveness:\n")
		fmt.Printf("  %-14s  %-14s  %6s  %9s  %7s  %6s\n",
			"Type", "Key", "Total", "Precision", "Recall", "FPR")
		for _, row := range rep.Effectiveness {
			fmt.Printf("  %-14s  %-14s  %6d  %9.2f  %7.2f  %6.2f\n",
				row.PatternType, row.PatternKey, row.Total, row.Precision, row.Recall, row.FPR)
		}
	}

	if len(rep.Changes) > 0 {
		fmt.Printf("\nParameter changes:\n")
		fmt.Printf("  %-32s  %-10s  %-10s  %s\n", "Parameter", "Old", "New", "Reason")
		for _, ch := range rep.Changes {
			fmt.Printf("  %-32s  %-10s  %-10s  %s\n",
				ch.Parameter, trunc(ch.OldValue, 10), trunc(ch.NewValue, 10), ch.Reason)
		}
	}

	if len(rep.Optimizations) > 0 {
		fmt.Printf("\nOptimizations:\n")
		fmt.Printf("  %-10s  %-8s  %-12s  %-10s  %-10s  %s\n",
			"ID", "Kind", "Status", "Old", "Candidate", "Created")
		for _, opt := range rep.Optimizations {
			fmt.Printf("  %-10s  %-8s  %-12s  %-10s  %-10s  %s\n",
				shortID(opt.ID), opt.Kind, opt.Status,
				trunc(opt.OldValue, 10), trunc(opt.CandidateValue, 10),
				opt.CreatedAt.Format("2006-01-02T15:04:05Z"))
		}
	}

	if len(rep.Insights) > 0 {
		fmt.Printf("\nPending insights:\n")
		fmt.Printf("  %-6s  %-22s  %10s  %s\n", "ID", "Kind", "Confidence", "Created")
		for _, in := range rep.Insights {
			fmt.Printf("  %-6d  %-22s  %10.2f  %s\n",
				in.ID, in.Kind, in.Confidence, in.CreatedAt.Format("2006-01-02T15:04:05Z"))
		}
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func trunc(s string, n int) string {
	if len(s) > n {
		return s[:n-1] + "~"
	}
	return s
}

// #endregion output
