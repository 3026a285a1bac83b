package planner

// history is a fixed-size ring of outcomes, oldest evicted first.
type history struct {
	buf   []Outcome
	next  int
	count int
}

func newHistory(size int) *history {
	return &history{buf: make([]Outcome, size)}
}

func (h *history) push(o Outcome) {
	h.buf[h.next] = o
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// last returns up to n most recent outcomes, oldest first.
func (h *history) last(n int) []Outcome {
	n = min(n, h.count)
	out := make([]Outcome, n)
	start := h.next - n
	if start < 0 {
		start += len(h.buf)
	}
	for i := range n {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}

func (h *history) len() int {
	return h.count
}

func (h *history) reset() {
	clear(h.buf)
	h.next = 0
	h.count = 0
}
