package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cnnviz/internal/config"
	"cnnviz/internal/dataset"
	"cnnviz/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config")
	logEvery := flag.Int("log-every", 50, "Log every N steps")
	irace := flag.Bool("irace", false, "Quiet mode: print only the final test loss")
	var overrides config.Overrides
	config.RegisterFlags(flag.CommandLine, &overrides)

	flag.Parse()

	cfg, err := config.Resolve(*cfgPath, overrides)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ds, err := dataset.Load(cfg.Dataset, cfg.DataDir)
	if err != nil {
		log.Fatalf("load dataset %s from %s: %v", cfg.Dataset, cfg.DataDir, err)
	}
	if !*irace {
		log.Printf("dataset=%s side=%d train=%d test=%d classes=%d", ds.Name, ds.Side, ds.Train.Len(), ds.Test.Len(), len(ds.ClassNames))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCfg := trainer.RunConfig{
		Dataset:      ds,
		Hyperparams:  cfg.Hyperparams(),
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Seed:         cfg.Seed,
		CkptDir:      cfg.CkptDir,
		SummariesDir: cfg.SummariesDir,
		LogEvery:     *logEvery,
		Quiet:        *irace,
	}

	res, err := trainer.Run(ctx, runCfg)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	if *irace {
		fmt.Println(res.FinalTestLoss)
	}
}
