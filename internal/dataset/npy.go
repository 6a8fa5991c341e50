package dataset

import (
	"bufio"
	"fmt"
	"math"
	"os"

	"github.com/sbinet/npyio/npy"
)

// ReadBatchFile reads one pre-batched .npy array of shape [rows, 1+side*side]
// whose first column is the class label and whose remaining columns are
// pixel intensities in [0,255].
func ReadBatchFile(path string, side int) (*Split, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	defer f.Close()

	r, err := npy.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", path, err)
	}
	descr := r.Header.Descr
	if descr.Fortran {
		return nil, fmt.Errorf("read batch %s: fortran-ordered arrays are not supported", path)
	}
	width := 1 + side*side
	if len(descr.Shape) != 2 || descr.Shape[1] != width {
		return nil, fmt.Errorf("read batch %s: %w: got %v, want [rows %d]", path, ErrShapeMismatch, descr.Shape, width)
	}

	values, err := readValues(r, descr.Type)
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", path, err)
	}
	rows := descr.Shape[0]
	if len(values) != rows*width {
		return nil, fmt.Errorf("read batch %s: %w: %d values for %d rows", path, ErrShapeMismatch, len(values), rows)
	}

	split := &Split{
		Pixels: make([]uint8, 0, rows*side*side),
		Labels: make([]int, rows),
		Side:   side,
	}
	for row := 0; row < rows; row++ {
		rec := values[row*width : (row+1)*width]
		split.Labels[row] = int(rec[0])
		for _, v := range rec[1:] {
			px := math.Round(v)
			if px < 0 || px > 255 {
				return nil, fmt.Errorf("read batch %s: row %d: pixel %g outside [0,255]", path, row, v)
			}
			split.Pixels = append(split.Pixels, uint8(px))
		}
	}
	return split, nil
}

func readValues(r *npy.Reader, dtype string) ([]float64, error) {
	switch dtype {
	case "|u1", "<u1":
		var raw []uint8
		if err := r.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case "<i4":
		var raw []int32
		if err := r.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case "<i8":
		var raw []int64
		if err := r.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case "<f4":
		var raw []float32
		if err := r.Read(&raw); err != nil {
			return nil, err
		}
		return widen(raw), nil
	case "<f8":
		var raw []float64
		if err := r.Read(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func widen[T uint8 | int32 | int64 | float32](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
