package cache

import (
	"container/list"
	"time"
)

// LRUPolicy evicts the least recently used key. Both writes and
// successful reads mark a key as recently used.
type LRUPolicy struct {
	order *list.List // front = most recent
	elems map[string]*list.Element
}

// NewLRUPolicy returns an empty LRUPolicy.
func NewLRUPolicy() *LRUPolicy {
	return &LRUPolicy{order: list.New(), elems: make(map[string]*list.Element)}
}

// Inserted implements Policy.Inserted.
func (p *LRUPolicy) Inserted(key string, _ time.Time) {
	if e, ok := p.elems[key]; ok {
		p.order.MoveToFront(e)
		return
	}
	p.elems[key] = p.order.PushFront(key)
}

// Updated implements Policy.Updated.
func (p *LRUPolicy) Updated(key string, expiresAt time.Time) { p.Inserted(key, expiresAt) }

// Accessed implements Policy.Accessed.
func (p *LRUPolicy) Accessed(key string) {
	if e, ok := p.elems[key]; ok {
		p.order.MoveToFront(e)
	}
}

// Removed implements Policy.Removed.
func (p *LRUPolicy) Removed(key string) {
	if e, ok := p.elems[key]; ok {
		p.order.Remove(e)
		delete(p.elems, key)
	}
}

// Victim implements Policy.Victim.
func (p *LRUPolicy) Victim() (string, bool) {
	tail := p.order.Back()
	if tail == nil {
		return "", false
	}
	return tail.Value.(string), true
}

// Len implements Policy.Len.
func (p *LRUPolicy) Len() int { return p.order.Len() }

// FIFOPolicy evicts keys in first-insertion order. Overwrites keep the
// original position.
type FIFOPolicy struct {
	order *list.List
	elems map[string]*list.Element
}

// NewFIFOPolicy returns an empty FIFOPolicy.
func NewFIFOPolicy() *FIFOPolicy {
	return &FIFOPolicy{order: list.New(), elems: make(map[string]*list.Element)}
}

// Inserted implements Policy.Inserted.
func (p *FIFOPolicy) Inserted(key string, _ time.Time) {
	if _, ok := p.elems[key]; ok {
		return
	}
	p.elems[key] = p.order.PushBack(key)
}

// Updated implements Policy.Updated.
func (p *FIFOPolicy) Updated(string, time.Time) {}

// Accessed implements Policy.Accessed.
func (p *FIFOPolicy) Accessed(string) {}

// Removed implements Policy.Removed.
func (p *FIFOPolicy) Removed(key string) {
	if e, ok := p.elems[key]; ok {
		p.order.Remove(e)
		delete(p.elems, key)
	}
}

// Victim implements Policy.Victim.
func (p *FIFOPolicy) Victim() (string, bool) {
	front := p.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

// Len implements Policy.Len.
func (p *FIFOPolicy) Len() int { return p.order.Len() }

var (
	_ Policy = (*LRUPolicy)(nil)
	_ Policy = (*FIFOPolicy)(nil)
)
