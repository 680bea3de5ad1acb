package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-guard/internal/capture"
	"github.com/danielpatrickdp/adaptive-guard/internal/config"
	"github.com/danielpatrickdp/adaptive-guard/internal/learning"
	"github.com/danielpatrickdp/adaptive-guard/internal/logging"
)

const demoRule = "file-guard"

// #region main

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	engine := learning.New(cfg, logger)
	defer engine.Close()

	fmt.Println("Adaptive Guard ready.")
	fmt.Printf("  DB: %s | learning: %v\n", cfg.DBPath, engine.Enabled())
	fmt.Println("Enter a path to check, or: outcome <id> <block|allow>, stats, optimize, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		switch fields := strings.Fields(line); fields[0] {
		case "outcome":
			runOutcome(engine, fields)
		case "stats":
			runStats(engine)
		case "optimize":
			if err := engine.ForceOptimization(demoRule); err != nil {
				log.Printf("optimize error: %v", err)
			} else {
				fmt.Println("optimization pass complete")
			}
		default:
			runCheck(engine, logger, line)
		}
	}
}

// #endregion main

// #region commands

// runCheck executes the demo rule against one path.
func runCheck(engine *learning.Engine, logger *zap.Logger, path string) {
	result, err := engine.ExecuteWithLearning(context.Background(), capture.Input{
		Rule:   demoRule,
		Path:   path,
		Caller: "guardd",
	}, func(ctx context.Context) (learning.Decision, error) {
		return checkPath(path), nil
	})
	if err != nil {
		log.Printf("rule error: %v", err)
		return
	}
	verdict := "allowed"
	if result.Blocked {
		verdict = "BLOCKED: " + result.Reason
	}
	fmt.Printf("%s  %s\n", verdict, path)
	if result.DecisionID != "" {
		fmt.Printf("  decision=%s\n", result.DecisionID)
	}
}

// checkPath is the demo rule body: block writes to secret-looking
// files and lockfiles.
func checkPath(path string) learning.Decision {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".env"), strings.Contains(lower, "secret"),
		strings.Contains(lower, "credential"):
		return learning.Decision{Blocked: true, Reason: "sensitive file"}
	case strings.HasSuffix(lower, ".lock"), strings.HasSuffix(lower, ".sum"):
		return learning.Decision{Blocked: true, Reason: "generated lockfile"}
	default:
		return learning.Decision{}
	}
}

func runOutcome(engine *learning.Engine, fields []string) {
	if len(fields) != 3 || (fields[2] != "block" && fields[2] != "allow") {
		fmt.Println("usage: outcome <decision-id> <block|allow>")
		return
	}
	if engine.ReportOutcome(fields[1], fields[2] == "block", "operator") {
		fmt.Println("outcome recorded")
	} else {
		fmt.Println("unknown or expired decision id")
	}
}

func runStats(engine *learning.Engine) {
	stats, err := engine.GetStatistics(demoRule)
	if err != nil {
		log.Printf("stats error: %v", err)
		return
	}
	fmt.Printf("Executions:       %d (window %d)\n", stats.TotalExecutions, stats.WindowSize)
	fmt.Printf("Success rate:     %.1f%%\n", stats.SuccessRate*100)
	fmt.Printf("Block rate:       %.1f%%\n", stats.BlockRate*100)
	fmt.Printf("Avg duration:     %.2fms\n", stats.AvgDurationMs)
	fmt.Printf("Patterns tracked: %d\n", stats.Patterns)
	fmt.Printf("Insights:         %d\n", stats.Insights)
	fmt.Printf("Pending:          %d decisions awaiting outcome\n", stats.PendingDecisions)
}

// #endregion commands
