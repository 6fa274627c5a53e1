package pricing

// higherPriceMin returns the smallest value in sortedAscending strictly
// greater than reference, or nil if none. This is the spec-mandated
// "min{p : p > reference}" behavior.
func higherPriceMin(sortedAscending []float64, reference float64) *float64 {
	for _, p := range sortedAscending {
		if p > reference {
			v := p
			return &v
		}
	}
	return nil
}

// higherPriceFirstObserved returns the first value in emission order (hour
// ascending, not sorted by price) strictly greater than reference, or nil if
// none. This reproduces the unsorted "first candidate greater than
// reference" behavior of the system this controller was modeled on, exposed
// for operators who depend on the old bid ceilings matching exactly.
func higherPriceFirstObserved(inEmissionOrder []float64, reference float64) *float64 {
	for _, p := range inEmissionOrder {
		if p > reference {
			v := p
			return &v
		}
	}
	return nil
}
