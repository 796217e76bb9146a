package quantization

import (
	"bytes"
	"testing"
)

func TestBinaryQuantizerBitPacking(t *testing.T) {
	vec := make([]float32, 16)
	for i := range vec {
		if i%2 == 0 {
			vec[i] = -1
		} else {
			vec[i] = 1
		}
	}
	bq := NewBinaryQuantizer(16, 0)
	if err := bq.Train([][]float32{vec}); err != nil {
		t.Fatalf("Train: %v", err)
	}
	encoded, err := bq.Encode(vec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0xAA, 0xAA}
	if !bytes.Equal(encoded, want) {
		t.Fatalf("Encode = % X, want % X", encoded, want)
	}
}

func TestBinaryQuantizerNotTrained(t *testing.T) {
	bq := NewBinaryQuantizer(4, 0)
	if _, err := bq.Encode([]float32{1, 2, 3, 4}); err != ErrNotTrained {
		t.Fatalf("expected ErrNotTrained, got %v", err)
	}
}

func TestHammingDistance(t *testing.T) {
	a := []byte{0xFF}
	b := []byte{0x00}
	if d := HammingDistance(a, b); d != 8 {
		t.Fatalf("HammingDistance = %d, want 8", d)
	}
}

func TestMedianBinaryQuantizer(t *testing.T) {
	bq := NewMedianBinaryQuantizer(1)
	vectors := [][]float32{{1}, {2}, {3}, {4}, {5}}
	if err := bq.Train(vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if bq.Threshold != 3 {
		t.Fatalf("median threshold = %v, want 3", bq.Threshold)
	}
}
