package server

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// pushWriter is the connection's write path for push-style output: enqueued
// WebSocket frames and chunked-response chunks (§4.2.3). It realizes the
// double-buffer swap from connection.hpp's buffers_[2]/active_buffer_: a
// caller enqueues into the standby side; if no write is currently draining,
// that caller becomes the drainer and writes until both sides are empty,
// swapping whenever the side it's draining runs dry and the other has
// accumulated more. This guarantees FIFO order and at most one in-flight
// write, without needing an async write-completion callback, because each
// net.Conn.Write call already blocks the calling goroutine until done.
type pushWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	pending [][]byte
	writing bool
	err     error
	logger  zerolog.Logger
}

func newPushWriter(conn net.Conn, logger zerolog.Logger) *pushWriter {
	return &pushWriter{conn: conn, logger: logger}
}

// enqueue appends buffers (written in order, back to back) to the pending
// queue and, if nothing is currently draining, drains until empty.
func (w *pushWriter) enqueue(buffers ...[]byte) error {
	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	w.pending = append(w.pending, buffers...)
	if w.writing {
		w.mu.Unlock()
		return nil
	}
	w.writing = true
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	return w.drain(batch)
}

func (w *pushWriter) drain(batch [][]byte) error {
	for {
		for _, b := range batch {
			if len(b) == 0 {
				continue
			}
			if _, err := w.conn.Write(b); err != nil {
				w.mu.Lock()
				w.err = err
				w.writing = false
				w.mu.Unlock()
				w.logger.Debug().Err(err).Msg("push writer: write failed")
				return err
			}
		}

		w.mu.Lock()
		if len(w.pending) == 0 {
			w.writing = false
			w.mu.Unlock()
			return nil
		}
		batch = w.pending
		w.pending = nil
		w.mu.Unlock()
	}
}
