package progress

import "io"

// Reader wraps an io.Reader and calls OnProgress every time another
// interval bytes have been read, and once more when the underlying reader
// reports io.EOF.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	read       int64
	sinceLast  int64
	onProgress func(read, total int64)
}

// NewReader returns a Reader over r. total may be -1 when unknown.
func NewReader(r io.Reader, total, interval int64, onProgress func(read, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: onProgress,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.interval > 0 && pr.sinceLast >= pr.interval {
			pr.report()
		}
	}

	if err == io.EOF && pr.sinceLast > 0 {
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.sinceLast = 0

	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
