// Package logger implements a per-import in-memory log buffer.
//
// Detailed lines are buffered while a file is being processed.  On failure
// the buffer is replayed so the operator sees everything that led up to the
// error; on success it is dropped and one short line is written instead.
// Thread safety comes from a dedicated goroutine and a command channel, no
// mutexes.
package logger

import (
	"bytes"
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
	act      action
	importID string
	message  string
	err      error
	when     time.Time
}

var ch = make(chan cmd, 128) // headroom for bursts during directory imports

// Begin starts buffering for one import run.
func Begin(importID string) { ch <- cmd{act: actBegin, importID: importID, when: time.Now()} }

// Append records one detailed line.  Without an active buffer the line goes
// straight to the log.
func Append(importID, msg string) {
	ch <- cmd{act: actAppend, importID: importID, message: msg, when: time.Now()}
}

// Success drops the buffer and writes one short summary line.
func Success(importID, summary string) {
	ch <- cmd{act: actSuccess, importID: importID, message: summary, when: time.Now()}
}

// FlushError replays every buffered line and then the final error.
func FlushError(importID string, err error) {
	ch <- cmd{act: actFlushErr, importID: importID, err: err, when: time.Now()}
}

func init() { go runloop() }

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.importID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.importID]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				log.Print(c.message)
			}

		case actSuccess:
			log.Printf("[%-6s][import] ✔ %s", c.importID, c.message)
			delete(buffers, c.importID)

		case actFlushErr:
			if b := buffers[c.importID]; b != nil {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					log.Print(ln)
				}
				delete(buffers, c.importID)
			}
			log.Printf("[%-6s][ERROR] %v", c.importID, c.err)
		}
	}
}
