package cache

import "sort"

// =============================================================================
// ACCESS PATTERN PREDICTOR
// =============================================================================

const (
	// sequenceLength is the window size the predictor slices the access
	// log into.
	sequenceLength = 10
	// maxPredictions caps the ranked prediction list.
	maxPredictions = 5
	// historyLimit bounds the retained access log.
	historyLimit = 10000
)

// Predictor learns which keys tend to follow which from the global access
// order. Not safe for concurrent use; the cache serialises calls.
type Predictor struct {
	accessLog []string
}

// NewPredictor creates an empty predictor.
func NewPredictor() *Predictor {
	return &Predictor{}
}

// Record appends a key access to the log.
func (p *Predictor) Record(key string) {
	p.accessLog = append(p.accessLog, key)
	if len(p.accessLog) > historyLimit {
		p.accessLog = p.accessLog[len(p.accessLog)-historyLimit:]
	}
}

// Predict slides a full-size window over every position of the access log,
// collects the key that followed each occurrence of the given key, and
// returns the most frequent followers, best first, at most five. Windows
// overlap, so adjacencies near the middle of the log weigh more than those
// at its edges.
func (p *Predictor) Predict(key string) []string {
	frequency := make(map[string]int)
	for start := 0; start+sequenceLength <= len(p.accessLog); start++ {
		window := p.accessLog[start : start+sequenceLength]
		for i, k := range window {
			if k != key || i+1 >= len(window) {
				continue
			}
			follower := window[i+1]
			if follower != key {
				frequency[follower]++
			}
		}
	}
	if len(frequency) == 0 {
		return nil
	}

	ranked := make([]string, 0, len(frequency))
	for k := range frequency {
		ranked = append(ranked, k)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if frequency[ranked[i]] != frequency[ranked[j]] {
			return frequency[ranked[i]] > frequency[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > maxPredictions {
		ranked = ranked[:maxPredictions]
	}
	return ranked
}
