package cache

import (
	"io"
	"sync"
)

// fanoutChunkSize bounds how far the producer can run ahead of either sink
// before the next Read call blocks on it.
const fanoutChunkSize = 256 * 1024

// fanout duplicates src into two independent io.ReadClosers — one for the
// caller's response, one for the artifact service's store — so a
// disconnected reader on either side never stops the other. Each chunk is
// written to both live sinks before the next read, so the slower reader
// paces both. If the caller
// sink errors (disconnect), the broadcaster keeps draining src into the
// store sink only; if the store sink errors, the broadcaster keeps feeding
// the caller sink only. Only when both are done, or src itself errors/EOFs,
// does the broadcaster goroutine exit.
type fanout struct {
	callerR *io.PipeReader
	callerW *io.PipeWriter
	storeR  *io.PipeReader
	storeW  *io.PipeWriter
}

func newFanout(src io.ReadCloser) *fanout {
	cr, cw := io.Pipe()
	sr, sw := io.Pipe()
	f := &fanout{callerR: cr, callerW: cw, storeR: sr, storeW: sw}
	go f.run(src)
	return f
}

func (f *fanout) run(src io.ReadCloser) {
	defer src.Close()
	buf := make([]byte, fanoutChunkSize)
	callerDone := false
	storeDone := false

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			var wg sync.WaitGroup

			if !callerDone {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := f.callerW.Write(chunk); err != nil {
						callerDone = true
					}
				}()
			}
			if !storeDone {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := f.storeW.Write(append([]byte(nil), chunk...)); err != nil {
						storeDone = true
					}
				}()
			}
			wg.Wait()
		}

		if readErr != nil {
			if readErr == io.EOF {
				f.callerW.Close()
				f.storeW.Close()
			} else {
				f.callerW.CloseWithError(readErr)
				f.storeW.CloseWithError(readErr)
			}
			return
		}

		if callerDone && storeDone {
			// Both sinks abandoned; keep draining src so the upstream
			// connection can be released cleanly, but discard the bytes.
			io.Copy(io.Discard, src)
			return
		}
	}
}
