package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	idxImagesMagic = 2051
	idxLabelsMagic = 2049
)

// readIDXSplit loads <prefix>-images-idx3-ubyte and <prefix>-labels-idx1-ubyte
// from dir, preferring the uncompressed files and falling back to .gz.
func readIDXSplit(dir, prefix string) (*Split, error) {
	pixels, rows, cols, err := readIDXImages(filepath.Join(dir, prefix+"-images-idx3-ubyte"))
	if err != nil {
		return nil, err
	}
	if rows != cols {
		return nil, fmt.Errorf("read idx %s: %w: non-square %dx%d images", prefix, ErrShapeMismatch, rows, cols)
	}
	labels, err := readIDXLabels(filepath.Join(dir, prefix+"-labels-idx1-ubyte"))
	if err != nil {
		return nil, err
	}
	if len(labels)*rows*cols != len(pixels) {
		return nil, fmt.Errorf("read idx %s: %w: %d labels for %d images", prefix, ErrShapeMismatch, len(labels), len(pixels)/(rows*cols))
	}
	return &Split{Pixels: pixels, Labels: labels, Side: rows}, nil
}

func openIDX(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	gz, gzErr := os.Open(path + ".gz")
	if gzErr != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bufio.NewReader(gz))
	if err != nil {
		gz.Close()
		return nil, fmt.Errorf("%s.gz: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, gz}, nil
}

func readIDXImages(path string) ([]uint8, int, int, error) {
	f, err := openIDX(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read idx images: %w", err)
	}
	defer f.Close()

	var hdr struct {
		Magic, Count, Rows, Cols uint32
	}
	if err := binary.Read(f, binary.BigEndian, &hdr); err != nil {
		return nil, 0, 0, fmt.Errorf("read idx images %s: header: %w", path, err)
	}
	if hdr.Magic != idxImagesMagic {
		return nil, 0, 0, fmt.Errorf("read idx images %s: invalid magic %d, want %d", path, hdr.Magic, idxImagesMagic)
	}
	pixels := make([]uint8, int(hdr.Count)*int(hdr.Rows)*int(hdr.Cols))
	if _, err := io.ReadFull(f, pixels); err != nil {
		return nil, 0, 0, fmt.Errorf("read idx images %s: %w", path, err)
	}
	return pixels, int(hdr.Rows), int(hdr.Cols), nil
}

func readIDXLabels(path string) ([]int, error) {
	f, err := openIDX(path)
	if err != nil {
		return nil, fmt.Errorf("read idx labels: %w", err)
	}
	defer f.Close()

	var hdr struct {
		Magic, Count uint32
	}
	if err := binary.Read(f, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read idx labels %s: header: %w", path, err)
	}
	if hdr.Magic != idxLabelsMagic {
		return nil, fmt.Errorf("read idx labels %s: invalid magic %d, want %d", path, hdr.Magic, idxLabelsMagic)
	}
	raw := make([]uint8, hdr.Count)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("read idx labels %s: %w", path, err)
	}
	labels := make([]int, len(raw))
	for i, v := range raw {
		labels[i] = int(v)
	}
	return labels, nil
}
