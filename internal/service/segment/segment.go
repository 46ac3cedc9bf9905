package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out segment IDs for one session. IDs are "<session>-seg-<n>"
// with n starting at 1 and never reused.
type Generator struct {
	sessionID string
	counter   uint64
}

func New(sessionID string) *Generator {
	return &Generator{sessionID: sessionID}
}

func (g *Generator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-seg-%d", g.sessionID, n)
}

// Issued returns how many IDs have been handed out.
func (g *Generator) Issued() uint64 {
	return atomic.LoadUint64(&g.counter)
}
