package monitor

import "io"

// Reader throttles reads from the wrapped source once the controller
// signals pressure. Throughput is measured on the source side.
type Reader struct {
	r   io.Reader
	ctl *Controller
}

func NewReader(r io.Reader, ctl *Controller) *Reader {
	return &Reader{r: r, ctl: ctl}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.ctl.ShouldApply(r.ctl.Transferred()) {
		r.ctl.Wait()
	}
	n, err := r.r.Read(p)
	r.ctl.AddTransferred(int64(n))
	return n, err
}

// Writer throttles writes to the wrapped sink and reports the size of each
// write as the downstream buffer fill.
type Writer struct {
	w   io.Writer
	ctl *Controller
}

func NewWriter(w io.Writer, ctl *Controller) *Writer {
	return &Writer{w: w, ctl: ctl}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.ctl.UpdateBufferSize(int64(len(p)))
	if w.ctl.ShouldApply(w.ctl.Transferred()) {
		w.ctl.Wait()
	}
	return w.w.Write(p)
}

// Flush forwards to the wrapped sink when it buffers.
func (w *Writer) Flush() error {
	if f, ok := w.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
