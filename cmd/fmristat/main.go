package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fmristat/internal/logging"
	"fmristat/internal/simulate"
	"fmristat/pkg/config"
	"fmristat/pkg/engine"
	"fmristat/pkg/export"
	"fmristat/pkg/metrics"
	"fmristat/pkg/permutation"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "fmristat.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	scenario := flag.String("simulate", "one-sample", "Synthetic dataset to analyse: first-level, one-sample or two-sample")
	mode := flag.String("mode", "", "Inference mode override: voxel, cluster-extent, cluster-mass or tfce")
	permutations := flag.Int("permutations", 0, "Permutation count override (0 keeps the configured value)")
	dbPath := flag.String("db", "", "SQLite file to export null distributions to (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (0 keeps the configured value)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to read .env: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatalf("Failed to apply environment overrides: %v", err)
	}
	if *mode != "" {
		cfg.Inference.Mode = *mode
	}
	if *permutations > 0 {
		cfg.Inference.Permutations = *permutations
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *dbPath != "" {
		cfg.Output.Database = *dbPath
	}
	if *verbose {
		cfg.Output.Verbose = true
	}

	logger, err := logging.New(cfg.Output.Verbose)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ds, err := dataset(*scenario, cfg)
	if err != nil {
		log.Fatalf("Failed to generate dataset: %v", err)
	}

	collector := metrics.NewCollector()
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector.MustRegister(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("Serving metrics", zap.String("addr", *metricsAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("PERMUTATION INFERENCE FOR fMRI STATISTICAL MAPS")
	fmt.Println("================================")

	e := engine.New(cfg,
		engine.WithLogger(logger),
		engine.WithMetrics(collector),
		engine.WithProgress(progressPrinter()))

	startTime := time.Now()
	res, err := e.Run(ctx, engine.Input{
		Series:    ds.Series,
		Mask:      ds.Mask,
		Design:    ds.Design,
		Contrasts: ds.Contrasts,
		Groups:    ds.Groups,
	})
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}
	processingTime := time.Since(startTime)

	printSummary(res, processingTime, cfg.Processing.NumCores)

	if cfg.Output.Database != "" {
		if err := save(ctx, cfg, res); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		fmt.Printf("\nNull distributions exported to: %s (run %s)\n", cfg.Output.Database, res.RunID)
	}
}

// dataset generates the synthetic input for scenario and points the
// configuration at the matching permutation level
func dataset(scenario string, cfg *config.Config) (*simulate.Dataset, error) {
	p := simulate.DefaultParams()
	p.Seed = cfg.Inference.Seed
	switch scenario {
	case "first-level":
		cfg.Inference.Level = permutation.FirstLevelTimePermutation.String()
		return simulate.FirstLevel(p)
	case "one-sample":
		p.Frames = 16
		p.Effect = 1.2
		cfg.Inference.Level = permutation.SecondLevelSignFlip.String()
		cfg.Model.Whiten = false
		return simulate.OneSample(p)
	case "two-sample":
		p.Frames = 20
		cfg.Inference.Level = permutation.SecondLevelGroupPermutation.String()
		cfg.Model.Whiten = false
		return simulate.TwoSample(p)
	}
	return nil, fmt.Errorf("unknown scenario %q", scenario)
}

func progressPrinter() engine.ProgressCallback {
	last := -1
	return func(completed, total int, _ string) {
		pct := completed * 100 / total
		if pct/10 != last/10 || completed == total {
			last = pct
			fmt.Printf("\rPermutations: %d/%d (%d%%)", completed, total, pct)
			if completed == total {
				fmt.Println()
			}
		}
	}
}

func printSummary(res *engine.Result, elapsed time.Duration, cores int) {
	fmt.Printf("\nAnalysis completed successfully in %.2f seconds!\n", elapsed.Seconds())
	fmt.Printf("Run: %s\n\n", res.RunID)

	fmt.Printf("Mode: %s, test: %s, level: %s, alpha: %.3f\n", res.Mode, res.Test, res.Level, res.Alpha)
	fmt.Printf("Permutations: %d valid of %d attempted\n", res.Valid, res.Attempted)
	fmt.Printf("Significant voxels: %d\n", res.SignificantVoxels)
	fmt.Printf("Significant clusters: %d\n", res.SignificantClusters)

	for m, d := range res.Null {
		s := d.Summary()
		fmt.Printf("\nMap %d null distribution:\n", m)
		fmt.Printf("- mean %.3f, sd %.3f, median %.3f, range [%.3f, %.3f]\n", s.Mean, s.StdDev, s.Median, s.Min, s.Max)
		if crit, err := d.CriticalValue(res.Alpha); err == nil {
			fmt.Printf("- critical value at alpha %.3f: %.3f\n", res.Alpha, crit)
		}
		for _, c := range res.Clusters[m] {
			fmt.Printf("- cluster %d: %d voxels, mass %.2f, peak %.2f, p = %.4f\n", c.ID, c.Extent, c.Mass, c.Peak, c.PValue)
		}
	}

	for _, w := range res.Warnings {
		fmt.Printf("\nWarning: %v\n", w)
	}

	fmt.Println("\nParallel processing:")
	fmt.Printf("- Used %d cores for per-voxel stages\n", cores)
}

func save(ctx context.Context, cfg *config.Config, res *engine.Result) error {
	store, err := export.Open(cfg.Output.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Save(ctx, export.Run{
		ID:            res.RunID,
		Created:       res.Created,
		Mode:          res.Mode.String(),
		Test:          res.Test.String(),
		Level:         res.Level.String(),
		Alpha:         res.Alpha,
		Skipped:       len(res.Skipped),
		Settings:      cfg,
		Distributions: res.Null,
		Clusters:      res.Clusters,
	})
}
