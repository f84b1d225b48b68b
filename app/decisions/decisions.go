// Package decisions writes classification decisions as json lines, one per classified item.
package decisions

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/umputun/classy/lib/classy"
)

// Record is a single decision log entry
type Record struct {
	Time     time.Time      `json:"time"`
	Source   string         `json:"source"` // cli or api
	Item     string         `json:"item"`
	Category string         `json:"category"` // decided category, or the default if not matched
	Matched  bool           `json:"matched"`
	Scores   []classy.Score `json:"scores"`
}

// Log writes decision records to the writer, safe for concurrent use. Nil Log discards records.
type Log struct {
	lock sync.Mutex
	wr   io.Writer
	now  func() time.Time
}

// New makes decision log for the writer
func New(wr io.Writer) *Log {
	return &Log{wr: wr, now: time.Now}
}

// Write records the decision made for the item. Failures are logged and not returned, a broken
// decision log should not break classification.
func (l *Log) Write(source, item, category string, d classy.Decision) {
	if l == nil || l.wr == nil {
		return
	}
	rec := Record{Time: l.now(), Source: source, Item: item, Category: category, Matched: d.Matched, Scores: d.Scores}
	line, err := json.Marshal(&rec)
	if err != nil {
		log.Printf("[WARN] can't marshal decision record: %v", err)
		return
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	if _, err := l.wr.Write(append(line, '\n')); err != nil {
		log.Printf("[WARN] can't write to decision log, %v", err)
	}
}
