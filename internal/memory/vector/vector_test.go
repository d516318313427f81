package vector

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosineDistanceAndThreshold(t *testing.T) {
	d := CosineDistance([]float32{1, 0}, []float32{1, 1})
	if math.Abs(d-(1-1/math.Sqrt2)) > 1e-6 {
		t.Errorf("distance = %v", d)
	}
	if got := MaxDistance(0.7); math.Abs(got-0.3) > 1e-9 {
		t.Errorf("MaxDistance(0.7) = %v", got)
	}
}

func TestLiteralRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	lit := Literal(v)
	if lit != "[0.5,-1.25,3]" {
		t.Fatalf("Literal = %q", lit)
	}
	parsed, err := ParseLiteral(lit)
	if err != nil {
		t.Fatalf("ParseLiteral: %v", err)
	}
	for i := range v {
		if parsed[i] != v[i] {
			t.Errorf("component %d = %v, want %v", i, parsed[i], v[i])
		}
	}
	if Literal(nil) != "" {
		t.Error("empty vector should render empty")
	}
	if _, err := ParseLiteral("1,2"); err == nil {
		t.Error("expected error for missing brackets")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	v := []float32{1.5, -2, 0}
	got := DecodeBlob(EncodeBlob(v))
	if len(got) != len(v) {
		t.Fatalf("len = %d", len(got))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("component %d = %v", i, got[i])
		}
	}
	if DecodeBlob([]byte{1, 2, 3}) != nil {
		t.Error("malformed blob should decode to nil")
	}
}
