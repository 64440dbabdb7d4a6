package watchpoints

import (
	"bytes"
	"fmt"
	"sync"

	"granary.dev/granary/instr"
)

// boundsFlushThreshold mirrors bounds_checker/report.cc's BUFF_FLUSH:
// the buffer is flushed once it holds this many bytes, rather than
// waiting for every access to be logged individually.
const boundsFlushThreshold = 1000

// BoundsChecker is a reference Watcher that logs every access it is
// called for; the registered allocation spans are not consulted when
// logging, so accesses inside and outside them are logged alike. It is
// grounded on
// original_source/clients/watchpoints/clients/bounds_checker/report.cc's
// buffered-report idiom (accumulate into a fixed buffer, flush once it
// crosses a threshold, drain whatever remains on Flush).
type BoundsChecker struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	sink  func(line string)
	spans []boundsSpan
}

type boundsSpan struct {
	start, end uintptr
	label      string
}

// NewBoundsChecker builds a BoundsChecker that hands flushed report
// text to sink.
func NewBoundsChecker(sink func(line string)) *BoundsChecker {
	return &BoundsChecker{sink: sink}
}

// Register records an allocation's bounds. Read and Write do not check
// accesses against the recorded spans.
func (b *BoundsChecker) Register(start, end uintptr, label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spans = append(b.spans, boundsSpan{start: start, end: end, label: label})
}

// Unregister drops a previously registered span, e.g. on free.
func (b *BoundsChecker) Unregister(start uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.spans {
		if s.start == start {
			b.spans = append(b.spans[:i], b.spans[i+1:]...)
			return
		}
	}
}

func (b *BoundsChecker) inBounds(addr uintptr) bool {
	for _, s := range b.spans {
		if addr >= s.start && addr < s.end {
			return true
		}
	}
	return false
}

// Read implements Watcher.
func (b *BoundsChecker) Read(cpu any, in *instr.Instruction, addrReg instr.Reg) {
	b.observe("R", in)
}

// Write implements Watcher.
func (b *BoundsChecker) Write(cpu any, in *instr.Instruction, addrReg instr.Reg) {
	b.observe("W", in)
}

func (b *BoundsChecker) observe(kind string, in *instr.Instruction) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fmt.Fprintf(&b.buf, "%s pc=%#x op=%d\n", kind, in.PC, in.Op)
	if b.buf.Len() >= boundsFlushThreshold {
		b.flushLocked()
	}
}

// Flush drains any buffered report text, whether or not the threshold
// has been reached, matching report()'s "if 0 < n" tail flush.
func (b *BoundsChecker) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *BoundsChecker) flushLocked() {
	if b.buf.Len() == 0 {
		return
	}
	if b.sink != nil {
		b.sink(b.buf.String())
	}
	b.buf.Reset()
}
