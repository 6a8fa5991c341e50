package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2, 0.25)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8, 0.75)
	assert.Equal(t, 2, w.Steps())

	snap := w.Snapshot()
	assert.InDelta(t, 2133.3333, snap.ImagesPerSec, 1)
	assert.InDelta(t, 15, snap.AvgDataMS, 1e-9)
	assert.InDelta(t, 1.0, snap.MeanLoss, 1e-12)
	assert.InDelta(t, 0.5, snap.MeanAccuracy, 1e-12)
	assert.Equal(t, 0.8, snap.LastLoss)
	assert.Equal(t, 2, snap.Steps)

	assert.Equal(t, 0, w.Steps())
	assert.Equal(t, Snapshot{}, w.Snapshot())
}
