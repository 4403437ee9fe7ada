package iforest

import "marketwatch/internal/models"

// Explain decomposes a score into per-feature contribution magnitudes. A
// feature's share of the isolation effort is the fraction of path splits on
// that feature across the ensemble, scaled by the score so contributions sum
// to it (leaf-remainder depth carries no feature attribution, making the
// decomposition an approximation of the score's provenance, not an exact
// one). Fully deterministic from (vector, model, score): tree walks involve
// no random state.
func (m *Model) Explain(fv models.FeatureVector, score float64) (map[string]float64, error) {
	if err := m.checkInput(fv); err != nil {
		return nil, err
	}

	counts := make([]int, len(m.FeatureNames))
	for _, t := range m.Trees {
		pathLength(t, fv.Values, 0, counts)
	}

	total := 0
	for _, c := range counts {
		total += c
	}

	contribs := make(map[string]float64, len(m.FeatureNames))
	if total == 0 {
		// Every tree isolated the point at its root; no split effort to
		// attribute.
		for _, name := range m.FeatureNames {
			contribs[name] = 0
		}
		return contribs, nil
	}
	for i, name := range m.FeatureNames {
		contribs[name] = score * float64(counts[i]) / float64(total)
	}
	return contribs, nil
}

// TopContributor returns the feature with the largest contribution. Ties
// break toward the earlier schema position so the answer is stable.
func (m *Model) TopContributor(contribs map[string]float64) string {
	best := ""
	bestVal := -1.0
	for _, name := range m.FeatureNames {
		if c, ok := contribs[name]; ok && c > bestVal {
			best = name
			bestVal = c
		}
	}
	return best
}
