package extract

// Score blends the required-field fill ratio with the engine's own
// confidence. Without an engine confidence the fill ratio is used alone.
// The result is clipped to [0,1].
func Score(filled, required int, engine float64, hasEngine bool, fieldWeight, engineWeight float64) float64 {
	ratio := 1.0
	if required > 0 {
		ratio = float64(filled) / float64(required)
	}

	score := ratio
	if hasEngine {
		score = fieldWeight*ratio + engineWeight*clip(engine)
	}
	return clip(score)
}

// normalizeWeights replaces an unset pair with 0.7/0.3, drops negative
// weights and scales pairs summing above 1 back to 1.
func normalizeWeights(field, engine float64) (float64, float64) {
	field, engine = max(field, 0), max(engine, 0)
	sum := field + engine
	switch {
	case sum == 0:
		return 0.7, 0.3
	case sum > 1:
		return field / sum, engine / sum
	}
	return field, engine
}

func clip(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
