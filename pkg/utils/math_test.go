package utils

import (
	"math"
	"testing"
)

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	NormalizeL2(v)
	if math.Abs(L2Norm(v)-1.0) > 1e-6 {
		t.Errorf("norm after normalize = %v, want 1.0", L2Norm(v))
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("normalized vector = %v, want [0.6 0.8]", v)
	}
}

func TestNormalizeL2ZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	NormalizeL2(v)
	for i, x := range v {
		if x != 0 {
			t.Errorf("component %d = %v, want 0", i, x)
		}
	}
}

func TestL2Norm(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want float64
	}{
		{"empty", nil, 0},
		{"unit", []float32{1, 0, 0}, 1},
		{"pythagorean", []float32{3, 4}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := L2Norm(tt.in); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("L2Norm(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
