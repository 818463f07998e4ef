package workers

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// writeNPZ stores a rows×cols float32 matrix as a compressed numpy archive
// (a zip holding one NPY v1.0 member), matching what the training pipeline
// downstream expects to load.
func writeNPZ(path, member string, rows [][]float32, cols int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("workers: create dataset dir: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(member + ".npy")
	if err != nil {
		return fmt.Errorf("workers: create npz member: %w", err)
	}
	if err := writeNPY(w, rows, cols); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("workers: close npz: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("workers: write npz: %w", err)
	}
	return nil
}

// writeNPY emits one NPY v1.0 payload: magic, padded header dict, then the
// matrix in C order, little-endian float32.
func writeNPY(w interface{ Write([]byte) (int, error) }, rows [][]float32, cols int) error {
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", len(rows), cols)
	// Total of magic+version+hlen+header must be a multiple of 64, header
	// terminated by newline.
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += string(bytes.Repeat([]byte{' '}, pad)) + "\n"

	var pre bytes.Buffer
	pre.WriteString("\x93NUMPY")
	pre.WriteByte(1)
	pre.WriteByte(0)
	var hlen [2]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(len(header)))
	pre.Write(hlen[:])
	pre.WriteString(header)
	if _, err := w.Write(pre.Bytes()); err != nil {
		return fmt.Errorf("workers: write npy header: %w", err)
	}

	data := make([]byte, 0, len(rows)*cols*4)
	var scratch [4]byte
	for _, row := range rows {
		for c := range cols {
			var v float32
			if c < len(row) {
				v = row[c]
			}
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			data = append(data, scratch[:]...)
		}
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("workers: write npy data: %w", err)
	}
	return nil
}
