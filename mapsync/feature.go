package mapsync

import (
	"github.com/paulmach/orb"
	"golang.org/x/exp/maps"

	"github.com/plantopo/mapsync/protocol"
)

// Feature holds typed values for the known keys and `Extra` for the rest.
// Values are normalized with `protocol.NormalizeFeatureValue` before they land here.
type Feature struct {
	Id   protocol.FeatureId
	Type protocol.FeatureType
	At   protocol.At
	// nil means unset, which renders as visible
	Visible *bool
	Name    *string
	LngLat  *orb.Point
	Color   *string
	Extra   map[string]any
}

func newFeature(id protocol.FeatureId) *Feature {
	return &Feature{
		Id:    id,
		Extra: map[string]any{},
	}
}

func (self *Feature) IsVisible() bool {
	return self.Visible == nil || *self.Visible
}

// Get returns the value of `key`, or nil when unset
func (self *Feature) Get(key string) any {
	switch key {
	case protocol.KeyType:
		if self.Type == "" {
			return nil
		}
		return self.Type
	case protocol.KeyAt:
		return self.At
	case protocol.KeyVisible:
		if self.Visible == nil {
			return nil
		}
		return *self.Visible
	case protocol.KeyName:
		if self.Name == nil {
			return nil
		}
		return *self.Name
	case protocol.KeyLngLat:
		if self.LngLat == nil {
			return nil
		}
		return *self.LngLat
	case protocol.KeyColor:
		if self.Color == nil {
			return nil
		}
		return *self.Color
	default:
		return self.Extra[key]
	}
}

// set stores a normalized value. nil unsets.
func (self *Feature) set(key string, value any) {
	switch key {
	case protocol.KeyType:
		self.Type, _ = value.(protocol.FeatureType)
	case protocol.KeyAt:
		self.At, _ = value.(protocol.At)
	case protocol.KeyVisible:
		if v, ok := value.(bool); ok {
			self.Visible = &v
		} else {
			self.Visible = nil
		}
	case protocol.KeyName:
		self.Name = stringPtr(value)
	case protocol.KeyLngLat:
		if v, ok := value.(orb.Point); ok {
			self.LngLat = &v
		} else {
			self.LngLat = nil
		}
	case protocol.KeyColor:
		self.Color = stringPtr(value)
	default:
		if value == nil {
			delete(self.Extra, key)
		} else {
			self.Extra[key] = value
		}
	}
}

// Keys lists the keys that currently have a value
func (self *Feature) Keys() []string {
	keys := []string{protocol.KeyType, protocol.KeyAt}
	if self.Visible != nil {
		keys = append(keys, protocol.KeyVisible)
	}
	if self.Name != nil {
		keys = append(keys, protocol.KeyName)
	}
	if self.LngLat != nil {
		keys = append(keys, protocol.KeyLngLat)
	}
	if self.Color != nil {
		keys = append(keys, protocol.KeyColor)
	}
	for key := range self.Extra {
		keys = append(keys, key)
	}
	return keys
}

// Props is the feature as a property map, the shape a change carries
func (self *Feature) Props() map[string]any {
	props := map[string]any{}
	for _, key := range self.Keys() {
		props[key] = self.Get(key)
	}
	return props
}

func (self *Feature) Clone() *Feature {
	clone := *self
	if self.Visible != nil {
		visible := *self.Visible
		clone.Visible = &visible
	}
	if self.LngLat != nil {
		lngLat := *self.LngLat
		clone.LngLat = &lngLat
	}
	if self.Name != nil {
		clone.Name = stringPtr(*self.Name)
	}
	if self.Color != nil {
		clone.Color = stringPtr(*self.Color)
	}
	clone.Extra = maps.Clone(self.Extra)
	if clone.Extra == nil {
		clone.Extra = map[string]any{}
	}
	return &clone
}

// nil for anything but a string, an empty string is a value
func stringPtr(value any) *string {
	if v, ok := value.(string); ok {
		return &v
	}
	return nil
}
