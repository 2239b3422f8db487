package stream

// Metrics is a read-only view of the tree, safe to read from any goroutine.
// It is refreshed at the end of every Refresh call.
type Metrics struct {
	LiveChunks     int     `json:"live_chunks"`
	EmptyChunks    int     `json:"empty_chunks"`
	LiveTriangles  int     `json:"live_triangles"`
	LiveVertices   int     `json:"live_vertices"`
	Outstanding    int     `json:"outstanding"`
	MaxDepth       int32   `json:"max_depth"`
	BatchesApplied uint64  `json:"batches_applied"`
	ChunksBuilt    uint64  `json:"chunks_built"`
	LastExtractMS  float64 `json:"last_extract_ms"`
	Faulted        bool    `json:"faulted"`
}

func (t *Tree) publishMetrics() {
	m := Metrics{
		LiveChunks:     len(t.chunks),
		Outstanding:    t.outstanding,
		BatchesApplied: t.applied,
		ChunksBuilt:    t.built.Load(),
		LastExtractMS:  float64(t.lastExtract.Load()) / 1e6,
		Faulted:        t.fault.Load() != nil,
	}
	for c, ch := range t.chunks {
		if ch.Empty() {
			m.EmptyChunks++
		}
		m.LiveTriangles += ch.Triangles()
		m.LiveVertices += len(ch.Positions)
		if c.Depth > m.MaxDepth {
			m.MaxDepth = c.Depth
		}
	}
	t.metrics.Store(&m)
}

func (t *Tree) Metrics() Metrics {
	if t == nil {
		return Metrics{}
	}
	m := t.metrics.Load()
	if m == nil {
		return Metrics{}
	}
	m2 := *m
	m2.ChunksBuilt = t.built.Load()
	m2.Faulted = t.fault.Load() != nil
	return m2
}
