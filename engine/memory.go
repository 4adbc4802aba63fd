package engine

type memoryBackend struct {
	data map[int]map[string]*Entry
}

// NewMemoryCache returns a map-backed InternalCache spread over n buckets.
func NewMemoryCache(buckets int) *LocalCache {
	return newLocalCache(&memoryBackend{data: map[int]map[string]*Entry{}}, buckets)
}

func (m *memoryBackend) get(bucket int, key string) (*Entry, error) {
	return m.data[bucket][key], nil
}

func (m *memoryBackend) put(bucket int, key string, e *Entry) error {
	b, ok := m.data[bucket]
	if !ok {
		b = map[string]*Entry{}
		m.data[bucket] = b
	}
	b[key] = e
	return nil
}

func (m *memoryBackend) del(bucket int, key string) error {
	b := m.data[bucket]
	delete(b, key)
	if len(b) == 0 {
		delete(m.data, bucket)
	}
	return nil
}

func (m *memoryBackend) bucketKeys(bucket int) ([]string, error) {
	b := m.data[bucket]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memoryBackend) scan(fn func(key string, e *Entry) bool) error {
	for _, b := range m.data {
		for k, e := range b {
			if !fn(k, e) {
				return nil
			}
		}
	}
	return nil
}

func (m *memoryBackend) dropBucket(bucket int) error {
	delete(m.data, bucket)
	return nil
}

func (m *memoryBackend) clear() error {
	m.data = map[int]map[string]*Entry{}
	return nil
}

func (m *memoryBackend) close() error { return nil }
