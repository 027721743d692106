// Command hiera-discover runs batch predicate discovery over a recorded
// episode file and prints the resulting hierarchy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/conceptmesh/hiera/pkg/hiera"
	"github.com/conceptmesh/hiera/pkg/hiera/config"
	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
	"github.com/conceptmesh/hiera/pkg/hiera/store"
	"github.com/conceptmesh/hiera/pkg/hiera/store/sqlite"
)

// episodeRecord is the on-disk episode format: one snapshot per entry,
// consecutive entries linked as a temporal chain.
type episodeRecord struct {
	Predicates []predicateRecord `json:"predicates"`
	Action     string            `json:"action"`
	Reward     float64           `json:"reward"`
}

type predicateRecord struct {
	Name       string   `json:"name"`
	Args       []string `json:"args"`
	Confidence float64  `json:"confidence"`
}

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config (optional)")
		episodesPath = flag.String("episodes", "", "path to episode JSON file (required)")
		dbPath       = flag.String("db", "", "path to SQLite hierarchy store (optional)")
		cycles       = flag.Int("cycles", 1, "number of discovery cycles to run")
		verbose      = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	if *episodesPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = *loaded
	}

	logger := zap.NewNop()
	if *verbose {
		dev, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("create logger: %v", err)
		}
		logger = dev
		defer logger.Sync()
	}

	var st store.Store
	if path := pickDBPath(*dbPath, cfg); path != "" {
		var err error
		st, err = sqlite.Open(ctx, path)
		if err != nil {
			log.Fatalf("open store %s: %v", path, err)
		}
	}

	engine, err := hiera.New(hiera.Options{
		Mining:     cfg.MinerConfig(),
		Validation: cfg.ValidatorConfig(),
		Hierarchy:  cfg.HierarchyConfig(),
		Store:      st,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	defer engine.Close()

	if err := engine.Restore(ctx); err != nil {
		log.Fatalf("restore hierarchy: %v", err)
	}

	episodes, err := loadEpisodes(*episodesPath)
	if err != nil {
		log.Fatalf("load episodes: %v", err)
	}
	fmt.Printf("loaded %d episode snapshots\n", len(episodes))

	for i := 0; i < *cycles; i++ {
		report, err := engine.Discover(ctx, episodes)
		if err != nil {
			log.Fatalf("discovery cycle %d: %v", i+1, err)
		}
		fmt.Printf("cycle %s: %d patterns, %d accepted, %d rejected, %d skipped episodes\n",
			report.CycleID, report.Patterns, len(report.Accepted), len(report.Rejected), report.Skipped)
		tally := make(map[string]int)
		for _, r := range report.Rejected {
			tally[r.Result.FailingCheck.String()]++
		}
		for check, n := range tally {
			fmt.Printf("  rejected by %s: %d\n", check, n)
		}
	}

	fmt.Println("accepted hierarchy:")
	for _, p := range engine.GetActive(-1) {
		fmt.Printf("  L%d %s (confidence %.2f)\n", p.Level, p.Key(), p.Confidence)
		if _, rule, err := engine.Hierarchy().Definition(p.Name); err == nil {
			comps := make([]string, len(rule.Components))
			for i, c := range rule.Components {
				comps[i] = c.Key()
			}
			fmt.Printf("      %s over %s\n", rule.Op, strings.Join(comps, ", "))
		}
	}
}

func pickDBPath(flagPath string, cfg config.Config) string {
	if flagPath != "" {
		return flagPath
	}
	return cfg.Persistence.Path
}

func loadEpisodes(path string) ([]predicate.Episode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []episodeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	episodes := make([]predicate.Episode, len(records))
	for i, rec := range records {
		ep := predicate.Episode{Action: rec.Action, Reward: rec.Reward}
		for _, pr := range rec.Predicates {
			conf := pr.Confidence
			if conf <= 0 {
				conf = 1.0
			}
			ep.Predicates = append(ep.Predicates, predicate.Predicate{
				Name:       pr.Name,
				Args:       pr.Args,
				Confidence: conf,
			})
		}
		episodes[i] = ep
	}
	// Consecutive snapshots form one temporal chain.
	for i := len(episodes) - 2; i >= 0; i-- {
		episodes[i].Next = &episodes[i+1]
	}
	return episodes, nil
}
