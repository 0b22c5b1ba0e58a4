package proxy

import (
	"io"
	"sync"
)

const (
	// DefaultBufferSize is the size of pooled relay buffers (32KB), the same
	// size io.Copy allocates.
	DefaultBufferSize = 32 * 1024
)

// bufferPool is a global pool of byte slices used for copying data
// between connections.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool.
// The caller must return the buffer using putBuffer when done.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

// copyBuffer copies from src to dst using a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// copyActive copies src to dst like copyBuffer and calls touch after every
// successful read. It never hands off to ReaderFrom/WriterTo so touch sees
// every chunk. A clean EOF from src returns a nil error.
func copyActive(dst io.Writer, src io.Reader, touch func()) (written int64, err error) {
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			touch()
			nw, werr := dst.Write((*buf)[:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if werr == nil {
					werr = io.ErrShortWrite
				}
			}
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
