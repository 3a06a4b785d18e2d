package analysis

// InstTable holds per-instruction analysis data indexed by instruction index.
// It grows to max(need, 2*cap) with zero-valued rows.
type InstTable[T any] struct {
	rows    []T
	present []bool
}

func NewInstTable[T any](capacity int) *InstTable[T] {
	return &InstTable[T]{
		rows:    make([]T, capacity),
		present: make([]bool, capacity),
	}
}

func (t *InstTable[T]) grow(need int) {
	if need <= len(t.rows) {
		return
	}
	n := 2 * len(t.rows)
	if need > n {
		n = need
	}
	rows := make([]T, n)
	copy(rows, t.rows)
	present := make([]bool, n)
	copy(present, t.present)
	t.rows, t.present = rows, present
}

// Row returns the row for idx, growing the table as needed and marking the
// row present.
func (t *InstTable[T]) Row(idx int) *T {
	t.grow(idx + 1)
	t.present[idx] = true
	return &t.rows[idx]
}

// Get returns a copy of the row for idx and whether it was ever touched.
func (t *InstTable[T]) Get(idx int) (T, bool) {
	var zero T
	if idx < 0 || idx >= len(t.rows) || !t.present[idx] {
		return zero, false
	}
	return t.rows[idx], true
}

// Cap is the number of allocated rows.
func (t *InstTable[T]) Cap() int { return len(t.rows) }

// Each visits present rows in index order.
func (t *InstTable[T]) Each(fn func(idx int, row *T)) {
	for i := range t.rows {
		if t.present[i] {
			fn(i, &t.rows[i])
		}
	}
}
