package detect

import (
	"fmt"
	"sync"
)

// DefectThreshold is the outlier probability above which an image is defective.
const DefectThreshold = 0.5

// Class is the outcome for one image.
type Class string

const (
	Good      Class = "Good"
	Defective Class = "Defective"
)

// Verdict is the classification of a single scored image.
type Verdict struct {
	Class       Class
	Probability float64 // outlier probability
}

// Classifier holds a line's reference score distribution.
type Classifier struct {
	reference []float64
	neighbors int
	extent    float64
}

// NewClassifier builds a classifier from the anomaly scores of known good images.
func NewClassifier(reference []float64, neighbors int, extent float64) (*Classifier, error) {
	if len(reference) < 2 {
		return nil, fmt.Errorf("detect: need at least 2 reference scores, got %d", len(reference))
	}
	if neighbors <= 0 {
		neighbors = DefaultNeighbors
	}
	if extent <= 0 {
		extent = DefaultExtent
	}
	ref := make([]float64, len(reference))
	copy(ref, reference)
	return &Classifier{reference: ref, neighbors: neighbors, extent: extent}, nil
}

// Reference returns a copy of the reference scores.
func (c *Classifier) Reference() []float64 {
	out := make([]float64, len(c.reference))
	copy(out, c.reference)
	return out
}

// Classify scores one candidate against the reference set. The candidate is
// appended to the reference scores and its own probability decides the class.
func (c *Classifier) Classify(score float64) Verdict {
	values := make([]float64, len(c.reference)+1)
	copy(values, c.reference)
	values[len(c.reference)] = score

	p := LocalOutlierProbabilities(values, c.neighbors, c.extent)[len(c.reference)]
	v := Verdict{Class: Good, Probability: p}
	if p > DefectThreshold {
		v.Class = Defective
	}
	return v
}

// Cache keeps one classifier per line, bound to the model it was built for.
type Cache struct {
	mu      sync.Mutex
	entries map[uint]cacheEntry
}

type cacheEntry struct {
	modelPath  string
	classifier *Classifier
}

// NewCache returns an empty classifier cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[uint]cacheEntry)}
}

// Get returns the cached classifier for a line if it was built for modelPath.
func (c *Cache) Get(lineID uint, modelPath string) (*Classifier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[lineID]
	if !ok || e.modelPath != modelPath {
		return nil, false
	}
	return e.classifier, true
}

// Put stores a classifier for a line and model, replacing any previous one.
func (c *Cache) Put(lineID uint, modelPath string, cl *Classifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[lineID] = cacheEntry{modelPath: modelPath, classifier: cl}
}

// Invalidate drops a line's classifier.
func (c *Cache) Invalidate(lineID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, lineID)
}
