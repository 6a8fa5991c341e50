package export

import (
	"encoding/json"
	"errors"
	"fmt"

	"cnnviz/internal/nn"
)

const inputLayer = "input"

// Entry is one layer of a bundle. Values is nil in structure records.
type Entry struct {
	Name   string
	Shape  []int
	Values *nn.Tensor
}

// Structure lists the visualised layers and their shapes. It encodes as
//
//	[["input",[1,S,S,1]], [name,shape]..., [class names...]]
type Structure struct {
	Layers     []Entry
	ClassNames []string
}

// Weights holds the kernels of the visualised layers. It encodes as
//
//	[["input",[1],[0]], [name,shape,values]...]
type Weights struct {
	Layers []Entry
}

// Activations holds the layer outputs for a set of test samples. It encodes as
//
//	[["input",[k,S,S,1],pixels], [name,shape,values]..., [truth, predicted]]
type Activations struct {
	Layers      []Entry
	GroundTruth []string
	Predicted   []string
}

func (s Structure) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(s.Layers)+1)
	for _, e := range s.Layers {
		out = append(out, []any{e.Name, e.Shape})
	}
	out = append(out, nonNil(s.ClassNames))
	return json.Marshal(out)
}

func (s *Structure) UnmarshalJSON(data []byte) error {
	raw, err := splitRecord(data)
	if err != nil {
		return err
	}
	layers := make([]Entry, 0, len(raw)-1)
	for _, r := range raw[:len(raw)-1] {
		e, err := decodeEntry(r, false)
		if err != nil {
			return err
		}
		layers = append(layers, e)
	}
	var classes []string
	if err := json.Unmarshal(raw[len(raw)-1], &classes); err != nil {
		return fmt.Errorf("structure: class names: %w", err)
	}
	s.Layers, s.ClassNames = layers, classes
	return nil
}

func (w Weights) MarshalJSON() ([]byte, error) {
	return marshalEntries(w.Layers, nil)
}

func (w *Weights) UnmarshalJSON(data []byte) error {
	raw, err := splitRecord(data)
	if err != nil {
		return err
	}
	layers, err := decodeEntries(raw)
	if err != nil {
		return err
	}
	w.Layers = layers
	return nil
}

func (a Activations) MarshalJSON() ([]byte, error) {
	return marshalEntries(a.Layers, []any{nonNil(a.GroundTruth), nonNil(a.Predicted)})
}

func (a *Activations) UnmarshalJSON(data []byte) error {
	raw, err := splitRecord(data)
	if err != nil {
		return err
	}
	layers, err := decodeEntries(raw[:len(raw)-1])
	if err != nil {
		return err
	}
	var labels [][]string
	if err := json.Unmarshal(raw[len(raw)-1], &labels); err != nil || len(labels) != 2 {
		return fmt.Errorf("activations: final element must be [ground truth, predicted]: %v", err)
	}
	a.Layers, a.GroundTruth, a.Predicted = layers, labels[0], labels[1]
	return nil
}

func marshalEntries(entries []Entry, tail any) ([]byte, error) {
	out := make([]any, 0, len(entries)+1)
	for _, e := range entries {
		if e.Values == nil {
			return nil, fmt.Errorf("%s: missing values", e.Name)
		}
		out = append(out, []any{e.Name, e.Shape, e.Values.Nested()})
	}
	if tail != nil {
		out = append(out, tail)
	}
	return json.Marshal(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func splitRecord(data []byte) ([]json.RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty record")
	}
	return raw, nil
}

func decodeEntries(raw []json.RawMessage) ([]Entry, error) {
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e, err := decodeEntry(r, true)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(data json.RawMessage, withValues bool) (Entry, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Entry{}, err
	}
	want := 2
	if withValues {
		want = 3
	}
	if len(parts) != want {
		return Entry{}, fmt.Errorf("entry %s: want %d elements, got %d", data, want, len(parts))
	}
	var e Entry
	if err := json.Unmarshal(parts[0], &e.Name); err != nil {
		return Entry{}, fmt.Errorf("entry name: %w", err)
	}
	if err := json.Unmarshal(parts[1], &e.Shape); err != nil {
		return Entry{}, fmt.Errorf("entry %s shape: %w", e.Name, err)
	}
	if withValues {
		var nested any
		if err := json.Unmarshal(parts[2], &nested); err != nil {
			return Entry{}, fmt.Errorf("entry %s values: %w", e.Name, err)
		}
		t, err := nn.FromNested(nested)
		if err != nil {
			return Entry{}, fmt.Errorf("entry %s values: %w", e.Name, err)
		}
		e.Values = t
	}
	return e, nil
}
