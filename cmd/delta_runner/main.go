package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/miretskiy/deltabuf/delta"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "", "Path to JSON or YAML engine configuration (optional, test defaults if not specified)")
	writes := flag.Int("writes", 10000, "Number of delta writes to issue")
	lbas := flag.Int("lbas", 256, "Writes land on LBAs [0, lbas)")
	pattern := flag.String("pattern", "hot", "LBA access pattern: uniform, hot, geometric or fixed")
	maxSize := flag.Int("size", 2048, "Largest delta payload in bytes")
	workers := flag.Int("workers", 4, "Submitting goroutines")
	seed := flag.Int64("seed", 0, "Random seed (0 = time-based)")
	latency := flag.Duration("latency", 200*time.Microsecond, "Simulated flash program latency")
	outputFile := flag.String("output", "", "Path to output JSON file (optional, prints to stdout if not specified)")
	verbose := flag.Bool("verbose", false, "Enable debug logging from the engine")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := delta.TestConfig()
	cfg.CommandSlots = delta.DefaultCommandSlots
	cfg.RetryCount = delta.DefaultRetryCount
	cfg.TimeoutUsec = delta.DefaultTimeoutUsec
	if *configFile != "" {
		var err error
		if cfg, err = delta.LoadConfig(*configFile); err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
	}

	geo := delta.Geometry{Channels: 8, PagesPerBlock: 64, PageSize: delta.DefaultPageSize}
	dev := delta.NewMemDevice(*latency)
	prov := delta.NewLineProvisioner(1<<16, geo.PagesPerBlock, 1<<24)

	engine, err := delta.NewEngine(geo, cfg, delta.Env{
		Mapper:      delta.NewMemMapper(true),
		Provisioner: prov,
		Device:      dev,
		Sink:        delta.SinkFunc(func(*delta.IOCommand) {}),
		Logger:      log,
	})
	if err != nil {
		log.Fatalf("Error creating engine: %v", err)
	}
	defer engine.Exit()

	wc := delta.DefaultWorkloadConfig()
	wc.Writes = *writes
	wc.LBAs = *lbas
	if wc.LBAPattern, err = delta.ParsePattern(*pattern); err != nil {
		log.Fatalf("Invalid -pattern: %v", err)
	}
	wc.MaxSize = *maxSize
	if wc.MinSize > wc.MaxSize {
		wc.MinSize = wc.MaxSize
	}
	wc.Concurrency = *workers
	wc.Seed = *seed

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Infof("Starting %d writes over %d LBAs with %d workers...", wc.Writes, wc.LBAs, wc.Concurrency)
	res, err := delta.RunWorkload(ctx, engine, wc)
	if err != nil {
		log.Fatalf("Workload failed: %v", err)
	}
	dev.Drain()
	log.Infof("Workload completed in %v: %d succeeded, %d failed, %d rejected, WA %.2f",
		res.Duration, res.Succeeded, res.Failed, res.Rejected, res.WriteAmplification)

	results := map[string]interface{}{
		"engine":   engine.ID().String(),
		"config":   cfg,
		"geometry": geo,
		"workload": wc,
		"result":   res,
		"realTime": res.Duration.Seconds(),
	}

	// Output results
	output, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		log.Fatalf("Error marshaling results: %v", err)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, output, 0644); err != nil {
			log.Fatalf("Error writing output file: %v", err)
		}
		log.Infof("Results written to %s", *outputFile)
	} else {
		fmt.Println(string(output))
	}
}
