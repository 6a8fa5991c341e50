package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cnnviz/internal/config"
	"cnnviz/internal/dataset"
	"cnnviz/internal/export"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config")
	var overrides config.Overrides
	config.RegisterFlags(flag.CommandLine, &overrides)

	flag.Parse()

	cfg, err := config.Resolve(*cfgPath, overrides)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	indices, err := export.SampleIndices(cfg.TestSample, cfg.TestSampleRange)
	if err != nil {
		log.Fatalf("invalid sample selection: %v", err)
	}

	ds, err := dataset.Load(cfg.Dataset, cfg.DataDir)
	if err != nil {
		log.Fatalf("load dataset %s from %s: %v", cfg.Dataset, cfg.DataDir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exportCfg := export.Config{
		CkptDir: cfg.CkptDir,
		OutDir:  cfg.JSONDir,
		Dataset: ds,
		Indices: indices,
	}

	if err := export.Run(ctx, exportCfg); err != nil {
		log.Fatalf("export failed: %v", err)
	}
	log.Printf("exported ckpt=%s json=%s samples=%d", cfg.CkptDir, cfg.JSONDir, len(indices))
}
