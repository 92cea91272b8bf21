package tiles

import "testing"

func TestEddington(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		distances []float64
		want      int
	}{
		{name: "no activities", distances: nil, want: 0},
		{name: "one short ride", distances: []float64{0.5}, want: 0},
		{name: "one long ride", distances: []float64{100}, want: 1},
		{name: "mixed", distances: []float64{5, 1, 3}, want: 2},
		{name: "uniform", distances: []float64{10, 10, 10}, want: 3},
		{name: "threshold not rounded up", distances: []float64{2.5, 2.5, 2.5}, want: 2},
		{name: "unsorted input", distances: []float64{1, 50, 2, 40, 3, 30, 4, 20}, want: 4},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Eddington(tc.distances); got != tc.want {
				t.Fatalf("Eddington(%v) = %d, want %d", tc.distances, got, tc.want)
			}
		})
	}
}
