package governance

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
)

// responseCapture wraps the downstream ResponseWriter so the pipeline
// can observe the status and size of what the handler sent, and buffer
// the body for caching. The x-response-time header must precede the
// status line, so it is injected in WriteHeader.
type responseCapture struct {
	http.ResponseWriter
	started     time.Time
	now         func() time.Time
	status      int
	wroteHeader bool
	written     int64

	maxBuffer int64 // 0 disables buffering
	buf       bytes.Buffer
	overflow  bool
}

func newCapture(w http.ResponseWriter, started time.Time, now func() time.Time, maxBuffer int64) *responseCapture {
	return &responseCapture{
		ResponseWriter: w,
		started:        started,
		now:            now,
		maxBuffer:      maxBuffer,
	}
}

func (c *responseCapture) WriteHeader(code int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = code
	elapsed := c.now().Sub(c.started)
	c.Header().Set("x-response-time", fmt.Sprintf("%.2fms", float64(elapsed)/float64(time.Millisecond)))
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if c.maxBuffer > 0 && !c.overflow {
		if int64(c.buf.Len())+int64(len(b)) > c.maxBuffer {
			c.overflow = true
			c.buf.Reset()
		} else {
			c.buf.Write(b)
		}
	}
	n, err := c.ResponseWriter.Write(b)
	c.written += int64(n)
	return n, err
}

// Flush keeps streaming handlers working behind the capture.
func (c *responseCapture) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Body returns the buffered response when it fit the buffer bound.
func (c *responseCapture) Body() ([]byte, bool) {
	if c.maxBuffer <= 0 || c.overflow {
		return nil, false
	}
	return c.buf.Bytes(), true
}
