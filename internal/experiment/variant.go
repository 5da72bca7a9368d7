package experiment

// DecideVariant picks the variant a toss lands in. Each variant receives
// traffic percent of the requests, so tosses at or above traffic*len(variants)
// fall outside the experiment. A negative toss forces the first experimental
// variant, which lets callers preview an experiment.
func DecideVariant(traffic int, variants []Variant, toss int) (Variant, bool) {
	if toss < 0 {
		for _, v := range variants {
			if v.VariantType == VariantExperimental {
				return v, true
			}
		}
	}
	n := len(variants)
	if toss >= traffic*n {
		return Variant{}, false
	}
	for i := 1; i <= n; i++ {
		if toss < traffic*i {
			return variants[i-1], true
		}
	}
	return Variant{}, false
}
