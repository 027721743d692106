// Command hiera-inspect prints a JSON report over a persisted hierarchy
// store: the accepted predicates per level and a tally of rejected
// candidates by failing check.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/conceptmesh/hiera/pkg/hiera/store"
	"github.com/conceptmesh/hiera/pkg/hiera/store/sqlite"
)

type report struct {
	Predicates      int              `json:"predicates"`
	MaxLevel        int              `json:"max_level"`
	Levels          []levelEntry     `json:"levels"`
	RejectionTotals map[string]int   `json:"rejection_totals"`
	Rejections      []rejectionEntry `json:"rejections,omitempty"`
}

type levelEntry struct {
	Level      int             `json:"level"`
	Predicates []acceptedEntry `json:"predicates"`
}

type acceptedEntry struct {
	Name       string   `json:"name"`
	Args       []string `json:"args"`
	Confidence float64  `json:"confidence"`
	Op         string   `json:"op"`
	Components []string `json:"components"`
}

type rejectionEntry struct {
	CycleID   string  `json:"cycle_id"`
	Candidate string  `json:"candidate"`
	Check     string  `json:"check"`
	Detail    string  `json:"detail,omitempty"`
	Utility   float64 `json:"utility"`
	CreatedAt string  `json:"created_at"`
}

func main() {
	var (
		dbPath     = flag.String("db", "", "Path to SQLite hierarchy store (required)")
		cycleID    = flag.String("cycle", "", "Optional: limit rejections to one discovery cycle")
		withDetail = flag.Bool("rejections", false, "Include individual rejection records")
		limit      = flag.Int("limit", 50, "Maximum rejection records to include")
	)
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("--db required")
	}

	ctx := context.Background()
	st, err := sqlite.Open(ctx, *dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	accepted, err := st.LoadAccepted(ctx)
	if err != nil {
		log.Fatalf("load accepted predicates: %v", err)
	}
	rejections, err := st.Rejections(ctx, *cycleID)
	if err != nil {
		log.Fatalf("load rejections: %v", err)
	}

	rep := report{
		Predicates:      len(accepted),
		Levels:          buildLevels(accepted),
		RejectionTotals: make(map[string]int),
	}
	if len(rep.Levels) > 0 {
		rep.MaxLevel = rep.Levels[len(rep.Levels)-1].Level
	}
	for _, r := range rejections {
		rep.RejectionTotals[r.Check]++
	}
	if *withDetail {
		rep.Rejections = buildRejections(rejections, *limit)
	}

	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		log.Fatalf("marshal report: %v", err)
	}
	fmt.Println(string(out))
}

func buildLevels(accepted []store.Accepted) []levelEntry {
	byLevel := make(map[int][]acceptedEntry)
	for _, a := range accepted {
		comps := make([]string, len(a.Rule.Components))
		for i, c := range a.Rule.Components {
			comps[i] = c.Key()
		}
		byLevel[a.Predicate.Level] = append(byLevel[a.Predicate.Level], acceptedEntry{
			Name:       a.Predicate.Name,
			Args:       a.Predicate.Args,
			Confidence: a.Predicate.Confidence,
			Op:         a.Rule.Op.String(),
			Components: comps,
		})
	}
	levels := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	out := make([]levelEntry, 0, len(levels))
	for _, l := range levels {
		out = append(out, levelEntry{Level: l, Predicates: byLevel[l]})
	}
	return out
}

func buildRejections(rejections []store.Rejection, limit int) []rejectionEntry {
	if limit > 0 && len(rejections) > limit {
		rejections = rejections[:limit]
	}
	out := make([]rejectionEntry, 0, len(rejections))
	for _, r := range rejections {
		out = append(out, rejectionEntry{
			CycleID:   r.CycleID,
			Candidate: r.Candidate,
			Check:     r.Check,
			Detail:    r.Detail,
			Utility:   r.Utility,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}
