package spc

// ring is a fixed-capacity FIFO of float64 values. Once full, each push
// overwrites the oldest value.
type ring struct {
	values []float64
	start  int
	size   int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{values: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	if r.size < len(r.values) {
		r.values[(r.start+r.size)%len(r.values)] = v
		r.size++
		return
	}
	r.values[r.start] = v
	r.start = (r.start + 1) % len(r.values)
}

func (r *ring) len() int {
	return r.size
}

func (r *ring) capacity() int {
	return len(r.values)
}

// appendTo appends the buffered values to dst, oldest first.
func (r *ring) appendTo(dst []float64) []float64 {
	for i := 0; i < r.size; i++ {
		dst = append(dst, r.values[(r.start+i)%len(r.values)])
	}
	return dst
}
