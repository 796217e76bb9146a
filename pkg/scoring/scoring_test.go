package scoring

import "testing"

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("CosineSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSquaredEuclidean(t *testing.T) {
	got := SquaredEuclidean([]float32{0, 0}, []float32{3, 4})
	if got != 25 {
		t.Fatalf("SquaredEuclidean = %v, want 25", got)
	}
}

func TestDotProduct(t *testing.T) {
	got := DotProduct([]float32{1, 2, 3}, []float32{4, 5, 6})
	if got != 32 {
		t.Fatalf("DotProduct = %v, want 32", got)
	}
}

func TestPassesThreshold(t *testing.T) {
	tests := []struct {
		name      string
		metric    Metric
		score     float64
		threshold float64
		want      bool
	}{
		{"cosine keeps >= threshold", Cosine, 0.5, 0.5, true},
		{"cosine drops below threshold", Cosine, 0.4, 0.5, false},
		{"euclidean keeps <= threshold", Euclidean, 1.0, 2.0, true},
		{"euclidean zero threshold means no filter", Euclidean, 1000, 0, true},
		{"dot keeps >= threshold", Dot, 10, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PassesThreshold(tt.metric, tt.score, tt.threshold); got != tt.want {
				t.Fatalf("PassesThreshold(%v, %v, %v) = %v, want %v", tt.metric, tt.score, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestBetter(t *testing.T) {
	if !Better(Cosine, 0.9, 0.1) {
		t.Fatal("cosine: higher score should be better")
	}
	if !Better(Euclidean, 0.1, 0.9) {
		t.Fatal("euclidean: lower score should be better")
	}
}
