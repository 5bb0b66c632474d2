package mapsync

import (
	"slices"
	"strings"
	"sync"
)

// An entry is created on dispatch and removed only when the server confirms its ts.
// Closing the socket never removes entries.
type OutboxEntry struct {
	// delta ts. Ids from one client order by dispatch time.
	Ts    string
	MapId string
	// the encoded delta frame, resent as is
	Sync []byte
}

// Outbox is the durable store of unconfirmed deltas.
// Implementations must be safe for concurrent use.
type Outbox interface {
	// entries for `mapId` in ts order
	Load(mapId string) ([]*OutboxEntry, error)
	// returns false if an entry with the same ts already exists
	Add(entry *OutboxEntry) (bool, error)
	// returns the number of entries removed
	Remove(mapId string, ts string) (int, error)
	Clear(mapId string) (int, error)
	Close() error
}

type MemoryOutbox struct {
	stateLock sync.Mutex
	// map id -> ts -> entry
	maps map[string]map[string]*OutboxEntry
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		maps: map[string]map[string]*OutboxEntry{},
	}
}

func (self *MemoryOutbox) Load(mapId string) ([]*OutboxEntry, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := []*OutboxEntry{}
	for _, entry := range self.maps[mapId] {
		entries = append(entries, copyOutboxEntry(entry))
	}
	slices.SortFunc(entries, func(a *OutboxEntry, b *OutboxEntry) int {
		return strings.Compare(a.Ts, b.Ts)
	})
	return entries, nil
}

func (self *MemoryOutbox) Add(entry *OutboxEntry) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries, ok := self.maps[entry.MapId]
	if !ok {
		entries = map[string]*OutboxEntry{}
		self.maps[entry.MapId] = entries
	}
	if _, ok := entries[entry.Ts]; ok {
		return false, nil
	}
	entries[entry.Ts] = copyOutboxEntry(entry)
	return true, nil
}

func (self *MemoryOutbox) Remove(mapId string, ts string) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := self.maps[mapId]
	if _, ok := entries[ts]; !ok {
		return 0, nil
	}
	delete(entries, ts)
	if len(entries) == 0 {
		delete(self.maps, mapId)
	}
	return 1, nil
}

func (self *MemoryOutbox) Clear(mapId string) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := len(self.maps[mapId])
	delete(self.maps, mapId)
	return n, nil
}

func (self *MemoryOutbox) Close() error {
	return nil
}

func copyOutboxEntry(entry *OutboxEntry) *OutboxEntry {
	return &OutboxEntry{
		Ts:    entry.Ts,
		MapId: entry.MapId,
		Sync:  slices.Clone(entry.Sync),
	}
}
