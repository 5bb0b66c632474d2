package mapsync

import (
	"golang.org/x/exp/maps"

	"github.com/plantopo/mapsync/protocol"
)

type Layer struct {
	Id      protocol.LayerId
	Opacity *float64
	// includes the `paint-` keys
	Extra map[string]any
}

func newLayer(id protocol.LayerId) *Layer {
	return &Layer{
		Id:    id,
		Extra: map[string]any{},
	}
}

func (self *Layer) Get(key string) any {
	switch key {
	case protocol.KeyOpacity:
		if self.Opacity == nil {
			return nil
		}
		return *self.Opacity
	default:
		return self.Extra[key]
	}
}

func (self *Layer) set(key string, value any) {
	switch key {
	case protocol.KeyOpacity:
		if v, ok := value.(float64); ok {
			self.Opacity = &v
		} else {
			self.Opacity = nil
		}
	default:
		if value == nil {
			delete(self.Extra, key)
		} else {
			self.Extra[key] = value
		}
	}
}

func (self *Layer) PaintProps() map[string]any {
	paint := map[string]any{}
	for key, value := range self.Extra {
		if protocol.IsPaintKey(key) {
			paint[key] = value
		}
	}
	return paint
}

func (self *Layer) Props() map[string]any {
	props := maps.Clone(self.Extra)
	if props == nil {
		props = map[string]any{}
	}
	if self.Opacity != nil {
		props[protocol.KeyOpacity] = *self.Opacity
	}
	return props
}

func (self *Layer) Clone() *Layer {
	clone := *self
	if self.Opacity != nil {
		opacity := *self.Opacity
		clone.Opacity = &opacity
	}
	clone.Extra = maps.Clone(self.Extra)
	if clone.Extra == nil {
		clone.Extra = map[string]any{}
	}
	return &clone
}
