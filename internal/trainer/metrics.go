package trainer

// #region metrics
// Metrics is a string-to-scalar map that remembers insertion order.
type Metrics struct {
	keys []string
	vals map[string]float64
}

// NewMetrics returns an empty mapping.
func NewMetrics() *Metrics {
	return &Metrics{vals: make(map[string]float64)}
}

// Log implements MetricLogger.
func (m *Metrics) Log(key string, value float64) {
	m.Set(key, value)
}

// Set stores value under key, keeping the key's original position.
func (m *Metrics) Set(key string, value float64) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = value
}

// Get returns the value stored under key.
func (m *Metrics) Get(key string) (float64, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (m *Metrics) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of keys.
func (m *Metrics) Len() int { return len(m.keys) }

// Merge copies every entry of other into m.
func (m *Metrics) Merge(other *Metrics) {
	for _, k := range other.keys {
		m.Set(k, other.vals[k])
	}
}

// #endregion metrics
