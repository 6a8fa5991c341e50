package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"cnnviz/internal/checkpoint"
	"cnnviz/internal/dataset"
	"cnnviz/internal/metrics"
	"cnnviz/internal/model"
	"cnnviz/internal/nn"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Dataset      *dataset.Dataset
	Hyperparams  model.Hyperparams
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64
	CkptDir      string
	SummariesDir string
	LogEvery     int
	// Quiet suppresses progress logging; only errors and the Result remain.
	Quiet bool
}

// Result reports the outcome of a completed run.
type Result struct {
	RunID         string
	FinalTestLoss float64
	FinalTestAcc  float64
	Checkpoints   []checkpoint.Entry
}

// Run trains a fresh model for cfg.Epochs epochs. Checkpoint 0 holds the
// initial variables and checkpoint i+1 is written after epoch i. Each epoch
// runs len(train)/batch minibatches, then evaluates one test minibatch.
func Run(ctx context.Context, cfg RunConfig) (Result, error) {
	if cfg.Dataset == nil {
		return Result{}, errors.New("trainer: dataset is nil")
	}
	if cfg.Epochs <= 0 {
		return Result{}, errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return Result{}, errors.New("trainer: batch size must be > 0")
	}
	if cfg.LearningRate <= 0 {
		return Result{}, errors.New("trainer: learning rate must be > 0")
	}
	if cfg.CkptDir == "" {
		return Result{}, errors.New("trainer: checkpoint directory must be set")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	ds := cfg.Dataset
	logf := log.Printf
	if cfg.Quiet {
		logf = func(string, ...any) {}
	}

	mdl, err := model.New(cfg.Hyperparams, ds.Side, len(ds.ClassNames), cfg.Seed)
	if err != nil {
		return Result{}, err
	}
	opt := nn.NewAdam(mdl.Params(), nn.AdamConfig{LR: cfg.LearningRate})
	history, err := metrics.NewHistory(cfg.SummariesDir)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	trainCh, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Split:     ds.Train,
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return Result{}, fmt.Errorf("trainer: train split: %w", err)
	}
	testCh, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Split:     ds.Test,
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed + 1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("trainer: test split: %w", err)
	}

	res := Result{RunID: checkpoint.NewRunID()}
	meta := checkpoint.Meta{
		RunID:        res.RunID,
		Dataset:      ds.Name,
		Side:         ds.Side,
		ClassNames:   ds.ClassNames,
		Hyperparams:  cfg.Hyperparams,
		LearningRate: cfg.LearningRate,
		BatchSize:    cfg.BatchSize,
		Seed:         cfg.Seed,
		Taps:         mdl.Taps(),
		ParamShapes:  mdl.ParamShapes(),
	}
	save := func(epoch int) error {
		meta.Epoch = epoch
		meta.Created = time.Now().UTC()
		entry, err := checkpoint.Save(cfg.CkptDir, meta, mdl.StateDict())
		if err != nil {
			return err
		}
		res.Checkpoints = append(res.Checkpoints, entry)
		logf("checkpoint=%s epoch=%d", entry.MetaPath, epoch)
		return nil
	}
	if err := save(0); err != nil {
		return Result{}, err
	}

	stepsPerEpoch := ds.Train.Len() / cfg.BatchSize
	if stepsPerEpoch == 0 {
		stepsPerEpoch = 1
	}
	logf("run=%s dataset=%s train=%d test=%d epochs=%d steps_per_epoch=%d",
		res.RunID, ds.Name, ds.Train.Len(), ds.Test.Len(), cfg.Epochs, stepsPerEpoch)

	var window metrics.Window
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for step := 1; step <= stepsPerEpoch; step++ {
			startData := time.Now()
			batch, err := nextBatch(ctx, trainCh)
			if err != nil {
				return Result{}, err
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			loss, acc, err := mdl.TrainStep(batch.Images, batch.Labels, opt)
			if err != nil {
				return Result{}, fmt.Errorf("trainer: epoch %d step %d: %w", epoch, step, err)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return Result{}, fmt.Errorf("trainer: epoch %d step %d: loss diverged (%v)", epoch, step, loss)
			}
			window.Record(len(batch.Labels), dataTime, time.Since(startCompute), loss, acc)

			if step%cfg.LogEvery == 0 {
				logf("epoch=%d step=%d loss=%.4f accuracy=%.4f", epoch, step, loss, acc)
			}
		}
		snap := window.Snapshot()

		testBatch, err := nextBatch(ctx, testCh)
		if err != nil {
			return Result{}, err
		}
		testLoss, testAcc, err := mdl.Evaluate(testBatch.Images, testBatch.Labels)
		if err != nil {
			return Result{}, fmt.Errorf("trainer: epoch %d test: %w", epoch, err)
		}
		logf("epoch=%d train_loss=%.4f train_accuracy=%.4f test_loss=%.4f test_accuracy=%.4f images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
			epoch,
			snap.MeanLoss,
			snap.MeanAccuracy,
			testLoss,
			testAcc,
			snap.ImagesPerSec,
			snap.AvgDataMS,
			snap.AvgComputeMS,
		)

		now := time.Now().UTC()
		if err := history.Record(
			metrics.Scalars{Epoch: epoch, Loss: snap.MeanLoss, Accuracy: snap.MeanAccuracy, Time: now},
			metrics.Scalars{Epoch: epoch, Loss: testLoss, Accuracy: testAcc, Time: now},
		); err != nil {
			return Result{}, err
		}
		if err := save(epoch + 1); err != nil {
			return Result{}, err
		}
		res.FinalTestLoss, res.FinalTestAcc = testLoss, testAcc
	}

	logf("run=%s final_test_loss=%.4f final_test_accuracy=%.4f", res.RunID, res.FinalTestLoss, res.FinalTestAcc)
	return res, nil
}

func nextBatch(ctx context.Context, batches <-chan dataset.Batch) (dataset.Batch, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Batch{}, err
	}
	select {
	case <-ctx.Done():
		return dataset.Batch{}, ctx.Err()
	case b, ok := <-batches:
		if !ok {
			if err := ctx.Err(); err != nil {
				return dataset.Batch{}, err
			}
			return dataset.Batch{}, errors.New("trainer: sampler closed")
		}
		return b, nil
	}
}
