package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/adaptive-guard/internal/replay"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	dbPath := flag.String("db", "", "store path for the replay run (scratch file when empty)")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--db path]")
		os.Exit(2)
	}
	os.Exit(run(*fixturePath, *dbPath))
}

func run(fixturePath, dbPath string) int {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	h, err := replay.New(dbPath, f.Rule, f.Config.ToHarnessConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "build harness: %v\n", err)
		return 2
	}
	defer h.Close()

	summary, err := h.Run(f.Executions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	printSummary(f, summary)

	if diffs := f.Expected.Check(summary); len(diffs) > 0 {
		fmt.Printf("\nDivergences:\n")
		for _, d := range diffs {
			fmt.Printf("  DIFF  %s\n", d)
		}
		return 1
	}
	if f.Expected != nil {
		fmt.Printf("\nAll expectations met\n")
	}
	return 0
}

// #endregion main

// #region output

func printSummary(f *replay.Fixture, s replay.Summary) {
	if f.Description != "" {
		fmt.Printf("%s\n\n", f.Description)
	}
	fmt.Printf("Rule:             %s\n", f.Rule)
	fmt.Printf("Executions:       %d (%d blocked)\n", s.Executions, s.Blocked)
	fmt.Printf("Validated:        %d (tp=%d fp=%d tn=%d fn=%d)\n",
		s.Validated, s.TruePositives, s.FalsePositives, s.TrueNegatives, s.FalseNegatives)
	fmt.Printf("Optimizations:    %d started, %d accepted, %d rolled back\n",
		s.OptimizationsStarted, s.Accepted, s.RolledBack)
	fmt.Printf("Cooldown skips:   %d\n", s.CooldownSkips)
	fmt.Printf("Final timeout:    %.0fms\n", s.FinalTimeoutMs)
	fmt.Printf("Pending insights: %d\n", s.PendingInsights)
}

// #endregion output
