// Package logger implements a per-load in-memory log buffer.
//
// Detail lines are kept in a buffer while a load runs.
//   - On failure the buffer is replayed, followed by the final error.
//   - On success the buffer is dropped and one short line is written.
//
// Safety comes from a dedicated goroutine and a command channel; no mutexes.
package logger

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act     action
	loadID  string
	message string // Append
	summary string // Success
	err     error  // FlushError
	when    time.Time
}

// Buffer groups log lines by load ID.
type Buffer struct {
	ch   chan cmd
	done chan struct{}
	logf func(string, ...any)
}

// New starts the buffer goroutine. A nil logf writes through log.Printf.
func New(logf func(string, ...any)) *Buffer {
	if logf == nil {
		logf = log.Printf
	}
	b := &Buffer{
		ch:   make(chan cmd, 128), // absorbs bursts from batch loops
		done: make(chan struct{}),
		logf: logf,
	}
	go b.runloop()
	return b
}

// Begin enables buffering for loadID.
func (b *Buffer) Begin(loadID string) {
	b.ch <- cmd{act: actBegin, loadID: loadID, when: time.Now()}
}

// Append adds one detail line.
func (b *Buffer) Append(loadID, format string, args ...any) {
	b.ch <- cmd{act: actAppend, loadID: loadID, message: fmt.Sprintf(format, args...), when: time.Now()}
}

// Success drops the buffer and writes a short summary.
func (b *Buffer) Success(loadID, summary string) {
	b.ch <- cmd{act: actSuccess, loadID: loadID, summary: summary, when: time.Now()}
}

// FlushError replays the buffer followed by err.
func (b *Buffer) FlushError(loadID string, err error) {
	b.ch <- cmd{act: actFlushErr, loadID: loadID, err: err, when: time.Now()}
}

// Close drains pending commands and stops the goroutine. Buffers of loads
// that never finished are discarded.
func (b *Buffer) Close() {
	close(b.ch)
	<-b.done
}

func (b *Buffer) runloop() {
	defer close(b.done)
	buffers := make(map[string]*bytes.Buffer)

	for c := range b.ch {
		switch c.act {
		case actBegin:
			buffers[c.loadID] = &bytes.Buffer{}

		case actAppend:
			if buf := buffers[c.loadID]; buf != nil {
				fmt.Fprintf(buf, "%s %s\n", c.when.Format("15:04:05.000"), c.message)
			} else {
				b.logf("[%-8s] %s", short(c.loadID), c.message) // no buffer, write straight away
			}

		case actSuccess:
			b.logf("[%-8s][load] ok %s", short(c.loadID), c.summary)
			delete(buffers, c.loadID)

		case actFlushErr:
			if buf := buffers[c.loadID]; buf != nil {
				for _, ln := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
					if ln != "" {
						b.logf("[%-8s] %s", short(c.loadID), ln)
					}
				}
				delete(buffers, c.loadID)
			}
			b.logf("[%-8s][ERROR] %v", short(c.loadID), c.err)
		}
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
