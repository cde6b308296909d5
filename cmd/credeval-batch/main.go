// Batch tool for evaluating a file of transcripts offline.
//
// Usage:
//
//	credeval-batch -in transcripts.json -out report.json -workers 8
//
// The input is a JSON array of transcript submissions. Every transcript is
// stored in a throwaway SQLite database, evaluated in parallel and reported
// together with its latest evaluation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/eligibility"
	"github.com/go4it/credeval/internal/engine"
	"github.com/go4it/credeval/internal/lock"
	"github.com/go4it/credeval/internal/repository"
)

// Item is the report line for one input transcript.
type Item struct {
	Index        int                       `json:"index"`
	StudentID    string                    `json:"studentId"`
	TranscriptID string                    `json:"transcriptId,omitempty"`
	Evaluation   *domain.EvaluationSummary `json:"evaluation,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

// Report is the batch output.
type Report struct {
	Policy         string         `json:"policy"`
	CatalogVersion int64          `json:"catalogVersion"`
	Total          int            `json:"total"`
	Evaluated      int            `json:"evaluated"`
	Failed         int            `json:"failed"`
	NeedsReview    int            `json:"needsReview"`
	DivisionI      map[string]int `json:"divisionI"`
	DivisionII     map[string]int `json:"divisionII"`
	DurationMs     int64          `json:"durationMs"`
	Items          []Item         `json:"items"`
}

func main() {
	inPath := flag.String("in", "-", "Path to a JSON array of transcripts (- for stdin)")
	outPath := flag.String("out", "-", "Path for the JSON report (- for stdout)")
	dbPath := flag.String("db", ":memory:", "SQLite database path")
	seedPath := flag.String("seed", "", "Catalog seed file (defaults to the embedded seed)")
	workers := flag.Int("workers", 4, "Number of concurrent evaluations")
	verbose := flag.Bool("verbose", false, "Log each evaluation")
	flag.Parse()

	_ = godotenv.Load()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := domain.DefaultConfig()
	cfg.ApplyEnv()
	cfg.Repository = domain.RepositoryConfig{Driver: "sqlite", SQLitePath: *dbPath}
	cfg.Catalog.SeedPath = *seedPath

	reqs, err := readRequests(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := process(ctx, cfg, reqs, *workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := writeReport(*outPath, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "evaluated %d/%d transcripts (%d need review, %d failed) in %dms\n",
		report.Evaluated, report.Total, report.NeedsReview, report.Failed, report.DurationMs)
}

func readRequests(path string) ([]*domain.TranscriptRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var reqs []*domain.TranscriptRequest
	if err := json.NewDecoder(r).Decode(&reqs); err != nil {
		return nil, fmt.Errorf("parse transcripts: %w", err)
	}
	return reqs, nil
}

func writeReport(path string, report *Report) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// process submits every request and evaluates the accepted transcripts.
func process(ctx context.Context, cfg *domain.Config, reqs []*domain.TranscriptRequest, workers int) (*Report, error) {
	start := time.Now()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()

	seed, err := catalog.DefaultSeed()
	if cfg.Catalog.SeedPath != "" {
		seed, err = catalog.LoadSeedFile(cfg.Catalog.SeedPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog seed: %w", err)
	}
	store, err := catalog.NewStore(seed)
	if err != nil {
		return nil, err
	}

	rules, err := eligibility.NewRules(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("compile eligibility policy: %w", err)
	}
	svc := engine.NewService(repo, store, eligibility.NewEvaluator(rules), lock.NewLocalLocker(), engine.Options{})

	report := &Report{
		Policy:         cfg.Policy.Name,
		CatalogVersion: store.Current().Version(),
		Total:          len(reqs),
		DivisionI:      map[string]int{},
		DivisionII:     map[string]int{},
		Items:          make([]Item, len(reqs)),
	}

	var ids []string
	index := map[string]int{}
	for i, req := range reqs {
		item := Item{Index: i}
		if req == nil {
			item.Error = "empty transcript"
			report.Items[i] = item
			continue
		}
		item.StudentID = req.StudentID
		t, err := svc.Submit(ctx, req)
		if err != nil {
			item.Error = err.Error()
			report.Items[i] = item
			continue
		}
		item.TranscriptID = t.ID
		report.Items[i] = item
		index[t.ID] = i
		ids = append(ids, t.ID)
	}

	results, err := svc.EvaluateBatch(ctx, ids, workers)
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	for _, res := range results {
		if res.TranscriptID == "" {
			continue
		}
		item := &report.Items[index[res.TranscriptID]]
		if res.Err != nil {
			item.Error = res.Err.Error()
			continue
		}
		item.Evaluation = res.Evaluation.Summary()
	}

	for i := range report.Items {
		item := &report.Items[i]
		if item.Evaluation == nil {
			if item.Error == "" {
				item.Error = "not evaluated"
			}
			report.Failed++
			continue
		}
		report.Evaluated++
		if item.Evaluation.RequiresReview {
			report.NeedsReview++
		}
		report.DivisionI[string(item.Evaluation.DivisionI)]++
		report.DivisionII[string(item.Evaluation.DivisionII)]++
	}
	report.DurationMs = time.Since(start).Milliseconds()
	return report, err
}
