package mapsync

import (
	"container/heap"
	"sync"

	"github.com/plantopo/mapsync/protocol"
)

// a dispatched delta that the server has not confirmed
type pendingItem struct {
	ts  string
	ops []protocol.Op
	// the encoded delta frame
	sync []byte

	// the index of the item in the heap
	heapIndex int
}

// unconfirmed deltas ordered by ts.
// The client re-applies these on top of each remote change and resends them on connect.
type pendingQueue struct {
	orderedItems []*pendingItem
	// ts -> item
	tsItems   map[string]*pendingItem
	byteCount int
	stateLock sync.Mutex
}

func newPendingQueue() *pendingQueue {
	pendingQueue := &pendingQueue{
		orderedItems: []*pendingItem{},
		tsItems:      map[string]*pendingItem{},
		byteCount:    0,
	}
	heap.Init(pendingQueue)
	return pendingQueue
}

func (self *pendingQueue) QueueSize() (int, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

// returns false when an item with the same ts is already queued
func (self *pendingQueue) Add(item *pendingItem) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.tsItems[item.ts]; ok {
		return false
	}
	self.tsItems[item.ts] = item
	heap.Push(self, item)
	self.byteCount += len(item.sync)
	return true
}

func (self *pendingQueue) Contains(ts string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.tsItems[ts]
	return ok
}

func (self *pendingQueue) RemoveByTs(ts string) *pendingItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.tsItems[ts]
	if !ok {
		return nil
	}
	delete(self.tsItems, ts)
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("Heap invariant broken.")
	}
	self.byteCount -= len(item.sync)
	return item
}

func (self *pendingQueue) PeekFirst() *pendingItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *pendingQueue) RemoveFirst() *pendingItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*pendingItem)
	delete(self.tsItems, item.ts)
	self.byteCount -= len(item.sync)
	return item
}

// a copy of the items in ts order
func (self *pendingQueue) Ordered() []*pendingItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	h := &pendingQueue{
		orderedItems: make([]*pendingItem, 0, len(self.orderedItems)),
	}
	for _, item := range self.orderedItems {
		itemCopy := *item
		h.orderedItems = append(h.orderedItems, &itemCopy)
	}
	ordered := make([]*pendingItem, 0, len(h.orderedItems))
	for 0 < h.Len() {
		ordered = append(ordered, heap.Pop(h).(*pendingItem))
	}
	return ordered
}

// heap.Interface

func (self *pendingQueue) Push(x any) {
	item := x.(*pendingItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *pendingQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *pendingQueue) Len() int {
	return len(self.orderedItems)
}

func (self *pendingQueue) Less(i int, j int) bool {
	return self.orderedItems[i].ts < self.orderedItems[j].ts
}

func (self *pendingQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
