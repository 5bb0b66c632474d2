package mapsync

import (
	"github.com/golang/glog"
	"github.com/paulmach/orb/geojson"

	"github.com/plantopo/mapsync/protocol"
)

// Listeners are called on the goroutine that mutates the engine.
// Values passed to listeners must not be mutated.

type PropListener func(value any)

type ChildrenListener func(children []protocol.FeatureId)

type LayerOrderListener func(order []protocol.LayerId, changes []LayerOrderChange)

// called for every change to a layer key with the `paint-` prefix
type PaintPropListener func(id protocol.LayerId, key string, value any)

type GeometryListener func(geometry *geojson.FeatureCollection)

type PeersListener func(peers map[string]protocol.Aware)

type observers struct {
	featureProps map[propKey]*CallbackList[PropListener]
	children     map[protocol.FeatureId]*CallbackList[ChildrenListener]
	layerProps   map[layerPropKey]*CallbackList[PropListener]
	layerOrder   *CallbackList[LayerOrderListener]
	paintProps   *CallbackList[PaintPropListener]
	geometry     *CallbackList[GeometryListener]
	peers        *CallbackList[PeersListener]
}

func newObservers() *observers {
	return &observers{
		featureProps: map[propKey]*CallbackList[PropListener]{},
		children:     map[protocol.FeatureId]*CallbackList[ChildrenListener]{},
		layerProps:   map[layerPropKey]*CallbackList[PropListener]{},
		layerOrder:   NewCallbackList[LayerOrderListener](),
		paintProps:   NewCallbackList[PaintPropListener](),
		geometry:     NewCallbackList[GeometryListener](),
		peers:        NewCallbackList[PeersListener](),
	}
}

// a panicking listener is logged and does not stop the others
func callListener(listener any, call func()) {
	if err := HandleError(call); err != nil {
		glog.Warningf("[observer]listener %s failed = %s\n", CallbackName(listener), err)
	}
}

func addKeyed[K comparable, T any](lists map[K]*CallbackList[T], key K, listener T) func() {
	list, ok := lists[key]
	if !ok {
		list = NewCallbackList[T]()
		lists[key] = list
	}
	callbackId := list.Add(listener)
	return func() {
		list.Remove(callbackId)
		if list.Len() == 0 && lists[key] == list {
			delete(lists, key)
		}
	}
}

func (self *observers) callFeatureProp(key propKey, value any) {
	if list, ok := self.featureProps[key]; ok {
		for _, listener := range list.Get() {
			callListener(listener, func() {
				listener(value)
			})
		}
	}
}

func (self *observers) callChildren(parent protocol.FeatureId, children []protocol.FeatureId) {
	if list, ok := self.children[parent]; ok {
		for _, listener := range list.Get() {
			callListener(listener, func() {
				listener(children)
			})
		}
	}
}

func (self *observers) callLayerProp(key layerPropKey, value any) {
	if list, ok := self.layerProps[key]; ok {
		for _, listener := range list.Get() {
			callListener(listener, func() {
				listener(value)
			})
		}
	}
}

func (self *observers) callPaintProp(id protocol.LayerId, key string, value any) {
	for _, listener := range self.paintProps.Get() {
		callListener(listener, func() {
			listener(id, key, value)
		})
	}
}

func (self *observers) callLayerOrder(order []protocol.LayerId, changes []LayerOrderChange) {
	for _, listener := range self.layerOrder.Get() {
		callListener(listener, func() {
			listener(order, changes)
		})
	}
}

func (self *observers) callGeometry(geometry *geojson.FeatureCollection) {
	for _, listener := range self.geometry.Get() {
		callListener(listener, func() {
			listener(geometry)
		})
	}
}

func (self *observers) callPeers(peers map[string]protocol.Aware) {
	for _, listener := range self.peers.Get() {
		callListener(listener, func() {
			listener(peers)
		})
	}
}

// The `Add...Listener` functions call the listener once with the current value,
// then after every batch that changes the value. Each returns its unsubscribe.

func (self *Engine) AddFeaturePropListener(id protocol.FeatureId, key string, listener PropListener) func() {
	remove := addKeyed(self.observers.featureProps, propKey{Id: id, Key: key}, listener)
	value := self.FeatureProp(id, key)
	callListener(listener, func() {
		listener(value)
	})
	return remove
}

func (self *Engine) AddChildrenListener(parent protocol.FeatureId, listener ChildrenListener) func() {
	remove := addKeyed(self.observers.children, parent, listener)
	children := self.FChildren(parent)
	callListener(listener, func() {
		listener(children)
	})
	return remove
}

func (self *Engine) AddLayerPropListener(id protocol.LayerId, key string, listener PropListener) func() {
	remove := addKeyed(self.observers.layerProps, layerPropKey{Id: id, Key: key}, listener)
	value := self.LayerProp(id, key)
	callListener(listener, func() {
		listener(value)
	})
	return remove
}

// The initial call reports the current order as adds.
func (self *Engine) AddLayerOrderListener(listener LayerOrderListener) func() {
	callbackId := self.observers.layerOrder.Add(listener)
	order := self.LayerOrder()
	callListener(listener, func() {
		listener(order, diffLayerOrder(nil, order))
	})
	return func() {
		self.observers.layerOrder.Remove(callbackId)
	}
}

// Paint listeners receive changes only, there is no initial call.
func (self *Engine) AddPaintPropListener(listener PaintPropListener) func() {
	callbackId := self.observers.paintProps.Add(listener)
	return func() {
		self.observers.paintProps.Remove(callbackId)
	}
}

func (self *Engine) AddGeometryListener(listener GeometryListener) func() {
	callbackId := self.observers.geometry.Add(listener)
	geometry := self.Geometry()
	self.geometryFingerprint = geometryFingerprint(geometry)
	callListener(listener, func() {
		listener(geometry)
	})
	return func() {
		self.observers.geometry.Remove(callbackId)
	}
}

func (self *Engine) AddPeersListener(listener PeersListener) func() {
	callbackId := self.observers.peers.Add(listener)
	peers := self.Peers()
	callListener(listener, func() {
		listener(peers)
	})
	return func() {
		self.observers.peers.Remove(callbackId)
	}
}
