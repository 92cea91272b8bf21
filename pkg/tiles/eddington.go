package tiles

import "sort"

// Eddington returns the largest number E such that at least E activities
// cover at least E kilometres each. The cycling cousin of the h-index:
// riding a single century barely moves it, riding twenty 20 km commutes
// does.
func Eddington(distancesKm []float64) int {
	sorted := append([]float64(nil), distancesKm...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	e := 0
	for i, d := range sorted {
		if d < float64(i+1) {
			break
		}
		e = i + 1
	}
	return e
}
