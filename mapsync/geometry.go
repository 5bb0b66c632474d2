package mapsync

import (
	"github.com/golang/glog"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/plantopo/mapsync/protocol"
)

// Geometry projects the visible tree to GeoJSON in tree order.
// Points with a position become `Point` features. Routes become a `LineString`
// through their positioned route points, when there are at least two.
// A feature is visible when it and all of its ancestors are visible.
func (self *Engine) Geometry() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	type frame struct {
		id    protocol.FeatureId
		depth int
	}
	// explicit stack. Children are pushed in reverse so they pop in order.
	stack := []frame{}
	pushChildren := func(parent protocol.FeatureId, depth int) {
		children := self.FChildren(parent)
		for i := len(children) - 1; 0 <= i; i -= 1 {
			stack = append(stack, frame{id: children[i], depth: depth})
		}
	}
	pushChildren(protocol.RootId, 0)

	for 0 < len(stack) {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if self.settings.MaxDepth <= top.depth {
			continue
		}
		f := self.features[top.id]
		if !f.IsVisible() {
			continue
		}
		switch f.Type {
		case protocol.FeatureTypePoint:
			if f.LngLat != nil {
				fc.Append(self.geoJsonFeature(f, *f.LngLat))
			}
		case protocol.FeatureTypeRoute:
			line := orb.LineString{}
			for _, childId := range self.FChildren(f.Id) {
				child := self.features[childId]
				if child.Type == protocol.FeatureTypeRoutePoint && child.IsVisible() && child.LngLat != nil {
					line = append(line, *child.LngLat)
				}
			}
			if 2 <= len(line) {
				fc.Append(self.geoJsonFeature(f, line))
			}
		case protocol.FeatureTypeGroup:
			pushChildren(f.Id, top.depth+1)
		}
	}
	return fc
}

func (self *Engine) geoJsonFeature(f *Feature, geometry orb.Geometry) *geojson.Feature {
	out := geojson.NewFeature(geometry)
	out.ID = string(f.Id)
	out.Properties["type"] = string(f.Type)
	if f.Name != nil {
		out.Properties["name"] = *f.Name
	}
	if f.Color != nil {
		out.Properties["color"] = *f.Color
	}
	return out
}

// the encoded projection. Listeners are called only when it changes.
func geometryFingerprint(geometry *geojson.FeatureCollection) []byte {
	b, err := geometry.MarshalJSON()
	if err != nil {
		glog.Warningf("[engine]geometry encode = %s\n", err)
		return nil
	}
	return b
}
