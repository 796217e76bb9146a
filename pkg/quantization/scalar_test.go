package quantization

import (
	"math/rand"
	"testing"
)

func TestScalarQuantizerInvalidBitDepth(t *testing.T) {
	if _, err := NewScalarQuantizer(8, 6); err != ErrInvalidParameter {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestScalarQuantizerRoundTripAccuracy(t *testing.T) {
	const dim = 768
	rng := rand.New(rand.NewSource(1))
	vectors := make([][]float32, 1000)
	for i := range vectors {
		vec := make([]float32, dim)
		for d := range vec {
			vec[d] = rng.Float32()*2 - 1
		}
		vectors[i] = vec
	}

	sq, err := NewScalarQuantizer(dim, 8)
	if err != nil {
		t.Fatalf("NewScalarQuantizer: %v", err)
	}
	if err := sq.Train(vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}

	var totalRelErr float64
	for _, vec := range vectors[:100] {
		codes, err := sq.Encode(vec)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		decoded, err := sq.Decode(codes)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		var errSum, normSum float64
		for d := range vec {
			diff := float64(vec[d] - decoded[d])
			errSum += diff * diff
			normSum += float64(vec[d]) * float64(vec[d])
		}
		totalRelErr += errSum / normSum
	}
	meanRelErr := totalRelErr / 100
	if meanRelErr > 0.02 {
		t.Fatalf("mean relative decode error %v exceeds 0.02", meanRelErr)
	}
}

func TestScalarQuantizer4BitPacksTwoPerByte(t *testing.T) {
	sq, err := NewScalarQuantizer(2, 4)
	if err != nil {
		t.Fatalf("NewScalarQuantizer: %v", err)
	}
	if err := sq.Train([][]float32{{0, 0}, {1, 1}}); err != nil {
		t.Fatalf("Train: %v", err)
	}
	encoded, err := sq.Encode([]float32{0, 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) != 1 {
		t.Fatalf("expected 1 byte for 2 4-bit codes, got %d", len(encoded))
	}
}
