package putmedia

import (
	"io"
	"strconv"
)

// chunkWriter frames writes with HTTP/1.1 chunked transfer coding.
type chunkWriter struct {
	w   io.Writer
	buf []byte
	n   int64 // payload bytes written
}

// WriteChunk writes p as a single chunk. Empty payloads are skipped because
// a zero-length chunk terminates the body.
func (c *chunkWriter) WriteChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c.buf = c.buf[:0]
	c.buf = strconv.AppendInt(c.buf, int64(len(p)), 16)
	c.buf = append(c.buf, '\r', '\n')
	c.buf = append(c.buf, p...)
	c.buf = append(c.buf, '\r', '\n')
	if _, err := c.w.Write(c.buf); err != nil {
		return err
	}
	c.n += int64(len(p))
	return nil
}

// Close writes the terminal zero-length chunk.
func (c *chunkWriter) Close() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}
