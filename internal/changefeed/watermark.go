package changefeed

import "sync"

// Watermark is the high-water mark of one event stream. The mark is used
// as an exclusive lower bound for the next fetch and never moves backwards
// except through Reset.
type Watermark struct {
	mu       sync.Mutex
	streamID string
	mark     int64
	set      bool
}

func NewWatermark(streamID string) *Watermark {
	return &Watermark{streamID: streamID}
}

func (w *Watermark) StreamID() string {
	return w.streamID
}

// Advance moves the mark to the maximum of the current mark and the given
// marks. An empty slice is a no-op.
func (w *Watermark) Advance(marks []int64) {
	if len(marks) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, mark := range marks {
		if !w.set || mark > w.mark {
			w.mark = mark
			w.set = true
		}
	}
}

// Current returns the mark and whether one has been observed yet.
func (w *Watermark) Current() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mark, w.set
}

// Since returns the mark as an optional fetch bound; nil means "from the
// beginning".
func (w *Watermark) Since() *int64 {
	mark, ok := w.Current()
	if !ok {
		return nil
	}
	return &mark
}

func (w *Watermark) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mark = 0
	w.set = false
}
