package engine

import (
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CosineSimilarity(tc.a, tc.b); !approx(got, tc.want, 1e-9) {
				t.Errorf("cosine = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCosineScaleInvariant(t *testing.T) {
	a := []float32{0.3, -0.2, 0.9}
	b := []float32{0.6, -0.4, 1.8}
	if got := CosineSimilarity(a, b); !approx(got, 1, 1e-6) {
		t.Errorf("scaled copies cosine = %v, want 1", got)
	}
}

func TestL2Normalize(t *testing.T) {
	v := l2Normalize([]float32{3, 4})
	if !approx(v[0], 0.6, 1e-9) || !approx(v[1], 0.8, 1e-9) {
		t.Errorf("normalized = %v", v)
	}
	if l2Normalize([]float32{0, 0}) != nil {
		t.Error("zero vector should normalize to nil")
	}
}
