package mapsync

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/plantopo/mapsync/fracidx"
	"github.com/plantopo/mapsync/protocol"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrExists       = errors.New("already exists")
	ErrCycle        = errors.New("cycle in feature tree")
	ErrNotContainer = errors.New("parent cannot have children")
)

type EngineSettings struct {
	// bound on ancestry walks. Deeper chains are reported as cycles.
	MaxDepth int
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		MaxDepth: 256,
	}
}

// comparable
type propKey struct {
	Id  protocol.FeatureId
	Key string
}

// comparable
type layerPropKey struct {
	Id  protocol.LayerId
	Key string
}

// original values of everything touched in the current batch
type dirtySet struct {
	featureProps    map[propKey]any
	children        map[protocol.FeatureId][]protocol.FeatureId
	layerProps      map[layerPropKey]any
	layerOrder      []protocol.LayerId
	layerOrderDirty bool
	geometry        bool
	peers           bool
}

func newDirtySet() *dirtySet {
	return &dirtySet{
		featureProps: map[propKey]any{},
		children:     map[protocol.FeatureId][]protocol.FeatureId{},
		layerProps:   map[layerPropKey]any{},
	}
}

// keys that change the geometry projection
var geometryKeys = map[string]bool{
	protocol.KeyType:    true,
	protocol.KeyAt:      true,
	protocol.KeyVisible: true,
	protocol.KeyName:    true,
	protocol.KeyLngLat:  true,
	protocol.KeyColor:   true,
}

// Engine is the in-memory replica of one map.
//
// `Apply` (local ops) and `Change` (remote changes) are the only mutators. Both end
// with one pass over the dirty sets that notifies each observer at most once
// with the current value.
//
// An engine is not safe for concurrent use. `SyncClient` owns its engine on the
// client event loop.
type Engine struct {
	features map[protocol.FeatureId]*Feature
	// soft deleted features. Edits to them are kept but never observed.
	trash map[protocol.FeatureId]*Feature
	// parent -> child set. The order is derived from `At.Index`.
	children   map[protocol.FeatureId]map[protocol.FeatureId]bool
	layers     map[protocol.LayerId]*Layer
	layerOrder []protocol.LayerId
	peers      map[string]protocol.Aware
	// remote positions that were inconsistent with local state when received
	invalid map[propKey]protocol.At

	dirty *dirtySet
	// undo log for the current atomic batch, nil outside a batch
	journal []func()
	// parents with siblings that share an index
	collisionParents map[protocol.FeatureId]bool
	// the projection last passed to geometry listeners
	geometryFingerprint []byte

	observers *observers
	settings  *EngineSettings
	log       LogFunction
}

func NewEngineWithDefaults() *Engine {
	return NewEngine(DefaultEngineSettings())
}

func NewEngine(settings *EngineSettings) *Engine {
	return &Engine{
		features:         map[protocol.FeatureId]*Feature{},
		trash:            map[protocol.FeatureId]*Feature{},
		children:         map[protocol.FeatureId]map[protocol.FeatureId]bool{},
		layers:           map[protocol.LayerId]*Layer{},
		layerOrder:       []protocol.LayerId{},
		peers:            map[string]protocol.Aware{},
		invalid:          map[propKey]protocol.At{},
		dirty:            newDirtySet(),
		collisionParents: map[protocol.FeatureId]bool{},
		observers:        newObservers(),
		settings:         settings,
		log:              LogFn(2, "engine"),
	}
}

// Apply validates and applies local ops as one atomic batch.
// On error the engine state is unchanged and no observer is called.
func (self *Engine) Apply(ops []protocol.Op) error {
	defer self.didUpdate()
	return self.applyAtomic(ops, false)
}

// Change applies a remote change, then re-applies the still pending local op
// batches on top so that unconfirmed local edits stay visible.
// A pending batch that no longer applies is dropped from the view, not retried.
func (self *Engine) Change(change *protocol.Change, pending ...[]protocol.Op) {
	defer self.didUpdate()
	self.applyChange(change)
	for _, ops := range pending {
		if err := self.applyAtomic(ops, true); err != nil {
			glog.Infof("[engine]pending batch no longer applies: %s\n", err)
		}
	}
}

func (self *Engine) applyAtomic(ops []protocol.Op, rebase bool) error {
	self.journal = []func(){}
	defer func() {
		if r := recover(); r != nil {
			self.rollback()
			self.journal = nil
			panic(r)
		}
		self.journal = nil
	}()
	for i, op := range ops {
		err := protocol.ValidateOp(op)
		if err == nil {
			err = self.applyOp(op, rebase)
		}
		if err != nil {
			self.rollback()
			return fmt.Errorf("op %d %s: %w", i, op.OpName(), err)
		}
	}
	return nil
}

func (self *Engine) record(undo func()) {
	if self.journal != nil {
		self.journal = append(self.journal, undo)
	}
}

func (self *Engine) rollback() {
	for i := len(self.journal) - 1; 0 <= i; i -= 1 {
		self.journal[i]()
	}
	self.journal = self.journal[:0]
}

// In rebase mode ops that the server has already echoed back are tolerated:
// creating an existing feature updates it, and edits to missing features are skipped.
func (self *Engine) applyOp(op protocol.Op, rebase bool) error {
	switch v := op.(type) {
	case *protocol.CreateFeature:
		if f, ok := self.features[v.Id]; ok {
			if !rebase {
				return fmt.Errorf("feature %s: %w", v.Id, ErrExists)
			}
			for key, value := range v.Props {
				self.setFeatureValue(f, key, value)
			}
			return self.moveFeature(f, v.At, true)
		}
		if _, ok := self.trash[v.Id]; ok {
			if rebase {
				return nil
			}
			return fmt.Errorf("feature %s: %w", v.Id, ErrExists)
		}
		if err := self.checkParent(v.At.Parent); err != nil {
			return err
		}
		f := newFeature(v.Id)
		f.Type = v.Type
		for key, value := range v.Props {
			f.set(key, value)
		}
		self.addFeature(f)
		self.linkFeature(f, v.At)
		return nil
	case *protocol.DeleteFeature:
		if _, ok := self.features[v.Id]; !ok {
			if rebase {
				return nil
			}
			return fmt.Errorf("feature %s: %w", v.Id, ErrNotFound)
		}
		self.trashFeature(v.Id)
		return nil
	case *protocol.SetFeatureProperty:
		f, ok := self.features[v.Id]
		if !ok {
			if rebase {
				return nil
			}
			return fmt.Errorf("feature %s: %w", v.Id, ErrNotFound)
		}
		if v.Key == protocol.KeyAt {
			return self.moveFeature(f, v.Value.(protocol.At), true)
		}
		self.setFeatureValue(f, v.Key, v.Value)
		return nil
	case *protocol.SetLayerProperty:
		self.setLayerValue(self.requireLayer(v.Id), v.Key, v.Value)
		return nil
	case *protocol.SetLayerOrder:
		self.setLayerOrder(v.Ids)
		return nil
	default:
		return fmt.Errorf("unknown op %T", op)
	}
}

func (self *Engine) applyChange(change *protocol.Change) {
	if change == nil {
		return
	}

	// links are applied after all features in the change exist,
	// since a child may arrive before its parent
	links := map[protocol.FeatureId]protocol.At{}
	for id, props := range change.FeatureProps {
		if id == protocol.RootId {
			glog.Infof("[engine]ignoring props for the root\n")
			continue
		}
		if f, ok := self.trash[id]; ok {
			for key, value := range props {
				if key != protocol.KeyType && key != protocol.KeyAt {
					f.set(key, value)
				}
			}
			continue
		}
		f, ok := self.features[id]
		if !ok {
			featureType, hasType := props[protocol.KeyType].(protocol.FeatureType)
			at, hasAt := props[protocol.KeyAt].(protocol.At)
			if !hasType || !hasAt {
				glog.Infof("[engine]ignoring props for unknown feature %s\n", id)
				continue
			}
			f = newFeature(id)
			f.Type = featureType
			for key, value := range props {
				if key != protocol.KeyType && key != protocol.KeyAt {
					f.set(key, value)
				}
			}
			self.addFeature(f)
			links[id] = at
			continue
		}
		for key, value := range props {
			switch key {
			case protocol.KeyAt:
				if at, ok := value.(protocol.At); ok {
					links[id] = at
				}
			case protocol.KeyType:
				// immutable after creation
			default:
				self.setFeatureValue(f, key, value)
			}
		}
	}

	linkIds := maps.Keys(links)
	slices.Sort(linkIds)
	for _, id := range linkIds {
		self.linkOrInvalidate(id, links[id])
	}

	for _, id := range change.DeletedFeatures {
		if _, ok := self.features[id]; ok {
			self.trashFeature(id)
		}
		for key := range self.invalid {
			if key.Id == id {
				delete(self.invalid, key)
			}
		}
	}

	// earlier invalid positions may be consistent now
	invalidKeys := maps.Keys(self.invalid)
	slices.SortFunc(invalidKeys, func(a propKey, b propKey) int {
		return cmp.Compare(a.Id, b.Id)
	})
	for _, key := range invalidKeys {
		self.linkOrInvalidate(key.Id, self.invalid[key])
	}

	for id, props := range change.LayerProps {
		layer := self.requireLayer(id)
		for key, value := range props {
			self.setLayerValue(layer, key, value)
		}
	}
	if change.LayerOrder != nil {
		self.setLayerOrder(change.LayerOrder)
	}
}

func (self *Engine) linkOrInvalidate(id protocol.FeatureId, at protocol.At) {
	f, ok := self.features[id]
	if !ok {
		return
	}
	key := propKey{Id: id, Key: protocol.KeyAt}
	if err := self.moveFeature(f, at, false); err != nil {
		glog.Infof("[engine]invalid position for %s = %s\n", id, err)
		self.invalid[key] = at
		return
	}
	delete(self.invalid, key)
}

// the parent of a local create or move
func (self *Engine) checkParent(parent protocol.FeatureId) error {
	if parent == protocol.RootId {
		return nil
	}
	f, ok := self.features[parent]
	if !ok {
		return fmt.Errorf("parent %s: %w", parent, ErrNotFound)
	}
	if !f.Type.IsContainer() {
		return fmt.Errorf("parent %s (%s): %w", parent, f.Type, ErrNotContainer)
	}
	return nil
}

func (self *Engine) moveFeature(f *Feature, at protocol.At, local bool) error {
	if local {
		if err := self.checkParent(at.Parent); err != nil {
			return err
		}
	} else if at.Parent != protocol.RootId {
		if _, ok := self.features[at.Parent]; !ok {
			return fmt.Errorf("parent %s: %w", at.Parent, ErrNotFound)
		}
	}
	if self.wouldCycle(f.Id, at.Parent) {
		return fmt.Errorf("move %s under %s: %w", f.Id, at.Parent, ErrCycle)
	}
	self.linkFeature(f, at)
	return nil
}

// would placing `id` under `parent` create a cycle
func (self *Engine) wouldCycle(id protocol.FeatureId, parent protocol.FeatureId) bool {
	current := parent
	for depth := 0; current != protocol.RootId; depth += 1 {
		if current == id || self.settings.MaxDepth <= depth {
			return true
		}
		f, ok := self.features[current]
		if !ok {
			return false
		}
		current = f.At.Parent
	}
	return false
}

// primitive mutations. Each marks the dirty sets and records its undo.

func (self *Engine) markFeatureProp(id protocol.FeatureId, key string, original any) {
	k := propKey{Id: id, Key: key}
	if _, ok := self.dirty.featureProps[k]; !ok {
		self.dirty.featureProps[k] = original
	}
	if geometryKeys[key] {
		self.dirty.geometry = true
	}
}

func (self *Engine) markChildren(parent protocol.FeatureId) {
	if _, ok := self.dirty.children[parent]; !ok {
		self.dirty.children[parent] = self.FChildren(parent)
	}
}

func (self *Engine) setFeatureValue(f *Feature, key string, value any) {
	original := f.Get(key)
	self.markFeatureProp(f.Id, key, original)
	f.set(key, value)
	self.record(func() {
		f.set(key, original)
	})
}

// adds an unlinked feature
func (self *Engine) addFeature(f *Feature) {
	for _, key := range f.Keys() {
		self.markFeatureProp(f.Id, key, nil)
	}
	self.dirty.geometry = true
	self.features[f.Id] = f
	self.record(func() {
		delete(self.features, f.Id)
	})
}

func (self *Engine) linkFeature(f *Feature, at protocol.At) {
	original := f.At
	self.markFeatureProp(f.Id, protocol.KeyAt, f.Get(protocol.KeyAt))
	self.markChildren(original.Parent)
	self.markChildren(at.Parent)

	wasLinked := self.children[original.Parent][f.Id]
	if wasLinked {
		delete(self.children[original.Parent], f.Id)
	}
	siblings, ok := self.children[at.Parent]
	if !ok {
		siblings = map[protocol.FeatureId]bool{}
		self.children[at.Parent] = siblings
	}
	siblings[f.Id] = true
	f.At = at

	self.record(func() {
		delete(self.children[at.Parent], f.Id)
		if wasLinked {
			self.children[original.Parent][f.Id] = true
		}
		f.At = original
	})
}

// moves `id` and its descendants to the trash
func (self *Engine) trashFeature(id protocol.FeatureId) {
	subtree := []protocol.FeatureId{}
	visited := map[protocol.FeatureId]bool{}
	stack := []protocol.FeatureId{id}
	for 0 < len(stack) {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		subtree = append(subtree, n)
		for child := range self.children[n] {
			stack = append(stack, child)
		}
	}

	for _, n := range subtree {
		f, ok := self.features[n]
		if !ok {
			continue
		}
		for _, key := range f.Keys() {
			self.markFeatureProp(n, key, f.Get(key))
		}
		self.dirty.geometry = true
		self.markChildren(f.At.Parent)
		self.markChildren(n)

		parent := f.At.Parent
		wasLinked := self.children[parent][n]
		delete(self.children[parent], n)
		ownChildren, hadChildren := self.children[n]
		delete(self.children, n)
		delete(self.features, n)
		self.trash[n] = f

		self.record(func() {
			delete(self.trash, n)
			self.features[n] = f
			if hadChildren {
				self.children[n] = ownChildren
			}
			if wasLinked {
				self.children[parent][n] = true
			}
		})
	}
}

func (self *Engine) requireLayer(id protocol.LayerId) *Layer {
	if layer, ok := self.layers[id]; ok {
		return layer
	}
	layer := newLayer(id)
	self.layers[id] = layer
	self.record(func() {
		delete(self.layers, id)
	})
	return layer
}

func (self *Engine) setLayerValue(layer *Layer, key string, value any) {
	original := layer.Get(key)
	k := layerPropKey{Id: layer.Id, Key: key}
	if _, ok := self.dirty.layerProps[k]; !ok {
		self.dirty.layerProps[k] = original
	}
	layer.set(key, value)
	self.record(func() {
		layer.set(key, original)
	})
}

func (self *Engine) setLayerOrder(ids []protocol.LayerId) {
	original := self.layerOrder
	if !self.dirty.layerOrderDirty {
		self.dirty.layerOrderDirty = true
		self.dirty.layerOrder = slices.Clone(original)
	}
	self.layerOrder = slices.Clone(ids)
	for _, id := range ids {
		self.requireLayer(id)
	}
	self.record(func() {
		self.layerOrder = original
	})
}

// SetPeers replaces the awareness set. The entry for `selfClientId` is skipped.
func (self *Engine) SetPeers(peers []protocol.Aware, selfClientId string) {
	defer self.didUpdate()
	next := map[string]protocol.Aware{}
	for _, aware := range peers {
		if aware.ClientId == selfClientId || aware.ClientId == "" {
			continue
		}
		next[aware.ClientId] = aware
	}
	if !reflect.DeepEqual(next, self.peers) {
		self.peers = next
		self.dirty.peers = true
	}
}

func (self *Engine) ClearPeers() {
	self.SetPeers(nil, "")
}

// didUpdate notifies observers for every dirty slice whose value changed,
// then clears the dirty sets.
func (self *Engine) didUpdate() {
	dirty := self.dirty
	self.dirty = newDirtySet()

	for key, original := range dirty.featureProps {
		current := self.FeatureProp(key.Id, key.Key)
		if reflect.DeepEqual(original, current) {
			continue
		}
		self.observers.callFeatureProp(key, current)
	}

	for parent, original := range dirty.children {
		current := self.FChildren(parent)
		if self.hasCollision(current) {
			self.collisionParents[parent] = true
		}
		if slices.Equal(original, current) {
			continue
		}
		self.observers.callChildren(parent, current)
	}

	for key, original := range dirty.layerProps {
		current := self.LayerProp(key.Id, key.Key)
		if reflect.DeepEqual(original, current) {
			continue
		}
		if protocol.IsPaintKey(key.Key) {
			self.observers.callPaintProp(key.Id, key.Key, current)
		}
		self.observers.callLayerProp(key, current)
	}

	if dirty.layerOrderDirty && !slices.Equal(dirty.layerOrder, self.layerOrder) {
		changes := diffLayerOrder(dirty.layerOrder, self.layerOrder)
		self.observers.callLayerOrder(self.LayerOrder(), changes)
	}

	if dirty.geometry && 0 < self.observers.geometry.Len() {
		geometry := self.Geometry()
		fingerprint := geometryFingerprint(geometry)
		if !bytes.Equal(fingerprint, self.geometryFingerprint) {
			self.geometryFingerprint = fingerprint
			self.observers.callGeometry(geometry)
		}
	}

	if dirty.peers {
		self.observers.callPeers(self.Peers())
	}
}

// reads

func (self *Engine) HasFeature(id protocol.FeatureId) bool {
	_, ok := self.features[id]
	return ok
}

// FeatureProp returns nil for an unset key or a missing feature
func (self *Engine) FeatureProp(id protocol.FeatureId, key string) any {
	f, ok := self.features[id]
	if !ok {
		return nil
	}
	return f.Get(key)
}

func (self *Engine) Feature(id protocol.FeatureId) (*Feature, bool) {
	f, ok := self.features[id]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

func (self *Engine) Trashed(id protocol.FeatureId) (*Feature, bool) {
	f, ok := self.trash[id]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

func (self *Engine) InvalidPosition(id protocol.FeatureId) (protocol.At, bool) {
	at, ok := self.invalid[propKey{Id: id, Key: protocol.KeyAt}]
	return at, ok
}

func (self *Engine) FParent(id protocol.FeatureId) (protocol.FeatureId, bool) {
	f, ok := self.features[id]
	if !ok {
		return protocol.RootId, false
	}
	return f.At.Parent, true
}

func (self *Engine) compareSiblings(a protocol.FeatureId, b protocol.FeatureId) int {
	if c := cmp.Compare(self.features[a].At.Index, self.features[b].At.Index); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

// FChildren orders the children of `parent` by index, then by id
func (self *Engine) FChildren(parent protocol.FeatureId) []protocol.FeatureId {
	siblings := self.children[parent]
	out := make([]protocol.FeatureId, 0, len(siblings))
	for id := range siblings {
		out = append(out, id)
	}
	slices.SortFunc(out, self.compareSiblings)
	return out
}

func (self *Engine) hasCollision(ordered []protocol.FeatureId) bool {
	for i := 1; i < len(ordered); i += 1 {
		if self.features[ordered[i-1]].At.Index == self.features[ordered[i]].At.Index {
			return true
		}
	}
	return false
}

// FAncestry returns `[id, parent, ..., top]`, excluding the root.
// Corrupt data that loops or exceeds the max depth returns `ErrCycle`.
func (self *Engine) FAncestry(id protocol.FeatureId) ([]protocol.FeatureId, error) {
	chain := []protocol.FeatureId{}
	visited := map[protocol.FeatureId]bool{}
	for current := id; current != protocol.RootId; {
		if visited[current] || self.settings.MaxDepth <= len(chain) {
			return nil, fmt.Errorf("ancestry of %s: %w", id, ErrCycle)
		}
		visited[current] = true
		f, ok := self.features[current]
		if !ok {
			return nil, fmt.Errorf("ancestry of %s at %s: %w", id, current, ErrNotFound)
		}
		chain = append(chain, current)
		current = f.At.Parent
	}
	return chain, nil
}

type pathStep struct {
	index fracidx.Index
	id    protocol.FeatureId
}

func comparePaths(a []pathStep, b []pathStep) int {
	for i := 0; i < len(a) && i < len(b); i += 1 {
		if c := cmp.Compare(a[i].index, b[i].index); c != 0 {
			return c
		}
		if c := cmp.Compare(a[i].id, b[i].id); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

// OrderFeatures orders `ids` by tree position. Ids nested inside another id of
// the selection are dropped, since moving a container moves its descendants.
func (self *Engine) OrderFeatures(ids []protocol.FeatureId) ([]protocol.FeatureId, error) {
	selected := map[protocol.FeatureId]bool{}
	for _, id := range ids {
		selected[id] = true
	}

	type entry struct {
		id   protocol.FeatureId
		path []pathStep
	}
	entries := []entry{}
	for id := range selected {
		chain, err := self.FAncestry(id)
		if err != nil {
			return nil, err
		}
		nested := false
		for _, ancestor := range chain[1:] {
			if selected[ancestor] {
				nested = true
				break
			}
		}
		if nested {
			continue
		}
		path := make([]pathStep, 0, len(chain))
		for i := len(chain) - 1; 0 <= i; i -= 1 {
			path = append(path, pathStep{
				index: self.features[chain[i]].At.Index,
				id:    chain[i],
			})
		}
		entries = append(entries, entry{id: id, path: path})
	}

	slices.SortFunc(entries, func(a entry, b entry) int {
		return comparePaths(a.path, b.path)
	})
	out := make([]protocol.FeatureId, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.id)
	}
	return out, nil
}

type PlaceKind int

const (
	PlaceBefore PlaceKind = iota
	PlaceAfter
	PlaceFirstChild
	PlaceLastChild
)

type InsertPlace struct {
	Kind PlaceKind
	// a sibling for before/after, the parent for first/last child. The root is `protocol.RootId`.
	Target protocol.FeatureId
}

// ResolvePlace returns the parent and the neighbour indices an insert at `place` goes between
func (self *Engine) ResolvePlace(place InsertPlace) (parent protocol.FeatureId, before fracidx.Index, after fracidx.Index, err error) {
	before = fracidx.BeforeFirst
	after = fracidx.AfterLast
	switch place.Kind {
	case PlaceFirstChild, PlaceLastChild:
		parent = place.Target
		if parent != protocol.RootId && !self.HasFeature(parent) {
			err = fmt.Errorf("place target %s: %w", parent, ErrNotFound)
			return
		}
		siblings := self.FChildren(parent)
		if 0 < len(siblings) {
			if place.Kind == PlaceFirstChild {
				after = self.features[siblings[0]].At.Index
			} else {
				before = self.features[siblings[len(siblings)-1]].At.Index
			}
		}
		return
	case PlaceBefore, PlaceAfter:
		target, ok := self.features[place.Target]
		if !ok {
			err = fmt.Errorf("place target %s: %w", place.Target, ErrNotFound)
			return
		}
		parent = target.At.Parent
		siblings := self.FChildren(parent)
		i := slices.Index(siblings, place.Target)
		if place.Kind == PlaceBefore {
			after = target.At.Index
			if 0 < i {
				before = self.features[siblings[i-1]].At.Index
			}
		} else {
			before = target.At.Index
			if 0 <= i && i+1 < len(siblings) {
				after = self.features[siblings[i+1]].At.Index
			}
		}
		return
	default:
		err = fmt.Errorf("unknown place kind %d", place.Kind)
		return
	}
}

// RepairOps returns moves that give each colliding sibling, after the first
// by id, a fresh index. Every replica computes the same repair.
func (self *Engine) RepairOps() []protocol.Op {
	parents := maps.Keys(self.collisionParents)
	slices.Sort(parents)
	self.collisionParents = map[protocol.FeatureId]bool{}

	ops := []protocol.Op{}
	for _, parent := range parents {
		siblings := self.FChildren(parent)
		last := fracidx.BeforeFirst
		for i, id := range siblings {
			index := self.features[id].At.Index
			if 0 < i && index <= last {
				next := fracidx.AfterLast
				for _, nextId := range siblings[i+1:] {
					if nextIndex := self.features[nextId].At.Index; last < nextIndex {
						next = nextIndex
						break
					}
				}
				repaired, err := fracidx.Mid(last, next)
				if err != nil {
					glog.Warningf("[engine]cannot repair %s = %s\n", id, err)
					continue
				}
				self.log("repair %s %s -> %s", id, index, repaired)
				ops = append(ops, &protocol.SetFeatureProperty{
					Id:    id,
					Key:   protocol.KeyAt,
					Value: protocol.At{Parent: parent, Index: repaired},
				})
				index = repaired
			}
			last = index
		}
	}
	return ops
}

func (self *Engine) LayerProp(id protocol.LayerId, key string) any {
	layer, ok := self.layers[id]
	if !ok {
		return nil
	}
	return layer.Get(key)
}

func (self *Engine) Layer(id protocol.LayerId) (*Layer, bool) {
	layer, ok := self.layers[id]
	if !ok {
		return nil, false
	}
	return layer.Clone(), true
}

// the first layer is drawn beneath the others
func (self *Engine) LayerOrder() []protocol.LayerId {
	return slices.Clone(self.layerOrder)
}

func (self *Engine) Peers() map[string]protocol.Aware {
	return maps.Clone(self.peers)
}

type Snapshot struct {
	Features   map[protocol.FeatureId]*Feature
	Layers     map[protocol.LayerId]*Layer
	LayerOrder []protocol.LayerId
	Peers      map[string]protocol.Aware
}

func (self *Engine) Snapshot() *Snapshot {
	features := make(map[protocol.FeatureId]*Feature, len(self.features))
	for id, f := range self.features {
		features[id] = f.Clone()
	}
	layers := make(map[protocol.LayerId]*Layer, len(self.layers))
	for id, layer := range self.layers {
		layers[id] = layer.Clone()
	}
	return &Snapshot{
		Features:   features,
		Layers:     layers,
		LayerOrder: self.LayerOrder(),
		Peers:      self.Peers(),
	}
}

type LayerOrderChangeType int

const (
	LayerOrderAdd LayerOrderChangeType = iota
	LayerOrderRemove
	LayerOrderMove
)

// Add and move place `Id` directly before `Before`. An empty `Before` is the end.
type LayerOrderChange struct {
	Type   LayerOrderChangeType
	Id     protocol.LayerId
	Before protocol.LayerId
}

// the changes that transform `from` into `to` when applied in order
func diffLayerOrder(from []protocol.LayerId, to []protocol.LayerId) []LayerOrderChange {
	changes := []LayerOrderChange{}
	inTo := map[protocol.LayerId]bool{}
	for _, id := range to {
		inTo[id] = true
	}
	work := []protocol.LayerId{}
	for _, id := range from {
		if inTo[id] {
			work = append(work, id)
		} else {
			changes = append(changes, LayerOrderChange{Type: LayerOrderRemove, Id: id})
		}
	}

	// place from the end so that each `Before` is already in its final position
	for i := len(to) - 1; 0 <= i; i -= 1 {
		id := to[i]
		var before protocol.LayerId
		if i+1 < len(to) {
			before = to[i+1]
		}
		j := slices.Index(work, id)
		if 0 <= j {
			var next protocol.LayerId
			if j+1 < len(work) {
				next = work[j+1]
			}
			if next == before {
				continue
			}
			work = slices.Delete(work, j, j+1)
			changes = append(changes, LayerOrderChange{Type: LayerOrderMove, Id: id, Before: before})
		} else {
			changes = append(changes, LayerOrderChange{Type: LayerOrderAdd, Id: id, Before: before})
		}
		k := len(work)
		if before != "" {
			k = slices.Index(work, before)
		}
		work = slices.Insert(work, k, id)
	}
	return changes
}
