// Package checkpoint stores per-epoch model snapshots as a YAML metadata
// file plus a gob encoded variable payload:
//
//	model.ckpt-N.meta
//	model.ckpt-N.data
//
// The payload is written before the metadata, so a checkpoint is only
// discoverable once it is complete.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"cnnviz/internal/model"
	"cnnviz/internal/nn"
)

// ErrNoCheckpoints is returned by Discover when a directory holds no
// metadata files.
var ErrNoCheckpoints = errors.New("checkpoint: no checkpoints found")

const (
	metaExt = ".meta"
	dataExt = ".data"
)

var digitsRegexp = regexp.MustCompile(`[0-9]+`)

// Meta describes how a snapshot was produced and how to rebuild its model.
type Meta struct {
	RunID        string            `yaml:"run_id"`
	Epoch        int               `yaml:"epoch"`
	Dataset      string            `yaml:"dataset"`
	Side         int               `yaml:"side"`
	ClassNames   []string          `yaml:"class_names,flow"`
	Hyperparams  model.Hyperparams `yaml:"hyperparams"`
	LearningRate float64           `yaml:"learning_rate"`
	BatchSize    int               `yaml:"batch_size"`
	Seed         int64             `yaml:"seed"`
	Taps         []model.Tap       `yaml:"taps"`
	ParamShapes  map[string][]int  `yaml:"param_shapes"`
	Created      time.Time         `yaml:"created"`
}

// State holds every model variable by name.
type State map[string]*nn.Tensor

// Entry locates one checkpoint on disk.
type Entry struct {
	Epoch    int
	MetaPath string
	DataPath string
}

// NewRunID returns an identifier shared by all checkpoints of a run.
func NewRunID() string {
	return uuid.NewString()
}

// Name returns the file prefix of the checkpoint for epoch.
func Name(epoch int) string {
	return "model.ckpt-" + strconv.Itoa(epoch)
}

// Save writes the checkpoint for meta.Epoch under dir.
func Save(dir string, meta Meta, state State) (Entry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("save checkpoint: %w", err)
	}
	if meta.Created.IsZero() {
		meta.Created = time.Now().UTC()
	}
	base := filepath.Join(dir, Name(meta.Epoch))
	entry := Entry{Epoch: meta.Epoch, MetaPath: base + metaExt, DataPath: base + dataExt}

	if err := writeFile(entry.DataPath, func(w *bufio.Writer) error {
		return gob.NewEncoder(w).Encode(state)
	}); err != nil {
		return Entry{}, fmt.Errorf("save checkpoint %d: %w", meta.Epoch, err)
	}
	if err := writeFile(entry.MetaPath, func(w *bufio.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(meta); err != nil {
			return err
		}
		return enc.Close()
	}); err != nil {
		return Entry{}, fmt.Errorf("save checkpoint %d: %w", meta.Epoch, err)
	}
	return entry, nil
}

func writeFile(path string, encode func(*bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := encode(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Discover lists the checkpoints under dir in ascending epoch order. The
// epoch is the trailing integer of each *.meta file name.
func Discover(dir string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover checkpoints: %w", err)
	}
	var found []Entry
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), metaExt) {
			continue
		}
		runs := digitsRegexp.FindAllString(strings.TrimSuffix(e.Name(), metaExt), -1)
		if len(runs) == 0 {
			return nil, fmt.Errorf("discover checkpoints: %s: no epoch number in name", e.Name())
		}
		epoch, err := strconv.Atoi(runs[len(runs)-1])
		if err != nil {
			return nil, fmt.Errorf("discover checkpoints: %s: %w", e.Name(), err)
		}
		if prev, ok := seen[epoch]; ok {
			return nil, fmt.Errorf("discover checkpoints: epoch %d claimed by %s and %s", epoch, prev, e.Name())
		}
		seen[epoch] = e.Name()
		metaPath := filepath.Join(dir, e.Name())
		found = append(found, Entry{
			Epoch:    epoch,
			MetaPath: metaPath,
			DataPath: strings.TrimSuffix(metaPath, metaExt) + dataExt,
		})
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoCheckpoints, dir)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Epoch < found[j].Epoch })
	return found, nil
}

// Load reads the metadata and payload of entry.
func Load(entry Entry) (*Meta, State, error) {
	meta, err := LoadMeta(entry)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(entry.DataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint %d: %w", entry.Epoch, err)
	}
	defer f.Close()
	var state State
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&state); err != nil {
		return nil, nil, fmt.Errorf("load checkpoint %d: decode %s: %w", entry.Epoch, entry.DataPath, err)
	}
	return meta, state, nil
}

// LoadMeta reads only the metadata of entry.
func LoadMeta(entry Entry) (*Meta, error) {
	raw, err := os.ReadFile(entry.MetaPath)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %d: %w", entry.Epoch, err)
	}
	meta := &Meta{}
	if err := yaml.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("load checkpoint %d: parse %s: %w", entry.Epoch, entry.MetaPath, err)
	}
	return meta, nil
}

// Restore rebuilds the model described by entry and loads its variables.
func Restore(entry Entry) (*model.Model, *Meta, error) {
	meta, state, err := Load(entry)
	if err != nil {
		return nil, nil, err
	}
	m, err := model.New(meta.Hyperparams, meta.Side, len(meta.ClassNames), meta.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("restore checkpoint %d: %w", entry.Epoch, err)
	}
	if err := m.LoadStateDict(state); err != nil {
		return nil, nil, fmt.Errorf("restore checkpoint %d: %w", entry.Epoch, err)
	}
	return m, meta, nil
}
