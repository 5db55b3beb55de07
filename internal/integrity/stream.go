package integrity

import "io"

// Reader feeds every byte read from the wrapped source to a Checker.
type Reader struct {
	r       io.Reader
	checker *Checker
}

func NewReader(r io.Reader, c *Checker) *Reader {
	return &Reader{r: r, checker: c}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.checker.ProcessChunk(p[:n])
	}
	return n, err
}

// Writer feeds every byte accepted by the wrapped sink to a Checker.
type Writer struct {
	w       io.Writer
	checker *Checker
}

func NewWriter(w io.Writer, c *Checker) *Writer {
	return &Writer{w: w, checker: c}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		w.checker.ProcessChunk(p[:n])
	}
	return n, err
}

func (w *Writer) Flush() error {
	if f, ok := w.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
