// Package errlist keeps a bounded sample of the most recent failure messages
// so a systemic failure on a long run cannot grow memory without limit.
package errlist

import (
	"fmt"
	"sync"
)

type List struct {
	mutex    sync.Mutex
	capacity int
	items    []string
	total    int64
}

func New(capacity int) *List {
	if capacity <= 0 {
		capacity = 1
	}
	return &List{capacity: capacity}
}

func (l *List) Add(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.total++
	if len(l.items) == l.capacity {
		copy(l.items, l.items[1:])
		l.items[len(l.items)-1] = msg
		return
	}
	l.items = append(l.items, msg)
}

// Recent returns the retained messages, oldest first.
func (l *List) Recent() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	out := make([]string, len(l.items))
	copy(out, l.items)
	return out
}

// Total is the number of messages ever added, including evicted ones.
func (l *List) Total() int64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.total
}
