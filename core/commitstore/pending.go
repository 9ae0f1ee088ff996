package commitstore

import (
	"container/list"
	"sync"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
)

// defaultPendingCapacity bounds the orphan pool so a burst of commits whose
// parents never arrive cannot grow memory unboundedly.
const defaultPendingCapacity = 256

// PendingPool buffers commits received out of order: a commit whose parent
// has not yet been seen waits here until the parent arrives (or the pool
// evicts it to make room). This is the supplemented behavior for the
// "what happens to a commit that references an unknown parent" open
// question — buffer-with-bound rather than reject outright, since gossip
// delivery order is not guaranteed.
type PendingPool struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // of *pendingEntry, oldest at Front
	byID     map[string]*list.Element
}

type pendingEntry struct {
	commit *KnowledgeCommit
}

// NewPendingPool returns an empty pool. capacity <= 0 uses the default.
func NewPendingPool(capacity int) *PendingPool {
	if capacity <= 0 {
		capacity = defaultPendingCapacity
	}
	return &PendingPool{
		capacity: capacity,
		order:    list.New(),
		byID:     make(map[string]*list.Element),
	}
}

// Add buffers c, keyed by its own CommitID. If the pool is at capacity the
// oldest buffered commit is evicted to make room.
func (p *PendingPool) Add(c *KnowledgeCommit) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.byID[c.CommitID]; ok {
		el.Value = &pendingEntry{commit: c}
		return
	}
	if p.order.Len() >= p.capacity {
		oldest := p.order.Front()
		if oldest != nil {
			evicted := oldest.Value.(*pendingEntry).commit
			delete(p.byID, evicted.CommitID)
			p.order.Remove(oldest)
		}
	}
	el := p.order.PushBack(&pendingEntry{commit: c})
	p.byID[c.CommitID] = el
}

// Remove drops a commit from the pool, typically once it has been applied.
func (p *PendingPool) Remove(commitID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.byID[commitID]; ok {
		p.order.Remove(el)
		delete(p.byID, commitID)
	}
}

// ReadyChildren returns every pooled commit whose parent is parentID, so
// the caller can attempt to apply them now that the parent is available.
func (p *PendingPool) ReadyChildren(parentID string) []*KnowledgeCommit {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*KnowledgeCommit
	for e := p.order.Front(); e != nil; e = e.Next() {
		c := e.Value.(*pendingEntry).commit
		if c.ParentCommitID == parentID {
			out = append(out, c)
		}
	}
	return out
}

// Len reports the number of buffered commits.
func (p *PendingPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// Get returns a pooled commit by id.
func (p *PendingPool) Get(commitID string) (*KnowledgeCommit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.byID[commitID]
	if !ok {
		return nil, false
	}
	return el.Value.(*pendingEntry).commit, true
}

// ErrUnknownParent is returned by Store (via the higher-level applier) when
// a commit's parent is not yet known and it has been buffered instead of
// applied.
var ErrUnknownParent = errkind.New(errkind.ParentMissing, "parent commit not yet known; buffered")
