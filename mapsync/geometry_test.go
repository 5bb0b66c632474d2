package mapsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/plantopo/mapsync/protocol"
)

func TestGeometryProjection(t *testing.T) {
	engine := NewEngineWithDefaults()

	var last *geojson.FeatureCollection
	calls := 0
	engine.AddGeometryListener(func(geometry *geojson.FeatureCollection) {
		last = geometry
		calls += 1
	})
	assert.Equal(t, calls, 1)
	assert.Equal(t, len(last.Features), 0)

	err := engine.Apply([]protocol.Op{
		&protocol.CreateFeature{
			Id:   "camp",
			Type: protocol.FeatureTypePoint,
			At:   protocol.At{Parent: protocol.RootId, Index: "A"},
			Props: map[string]any{
				protocol.KeyName:   "Camp",
				protocol.KeyLngLat: []any{7.5, 46.1},
			},
		},
		createAt("g1", protocol.FeatureTypeGroup, protocol.RootId, "B"),
		createAt("r1", protocol.FeatureTypeRoute, "g1", "A"),
		&protocol.CreateFeature{
			Id:    "rp1",
			Type:  protocol.FeatureTypeRoutePoint,
			At:    protocol.At{Parent: "r1", Index: "A"},
			Props: map[string]any{protocol.KeyLngLat: orb.Point{7.6, 46.2}},
		},
		&protocol.CreateFeature{
			Id:    "rp2",
			Type:  protocol.FeatureTypeRoutePoint,
			At:    protocol.At{Parent: "r1", Index: "B"},
			Props: map[string]any{protocol.KeyLngLat: orb.Point{7.7, 46.3}},
		},
		// no position, not drawn
		createAt("p2", protocol.FeatureTypePoint, "g1", "B"),
	})
	assert.Equal(t, err, nil)
	// one batch, one call
	assert.Equal(t, calls, 2)

	assert.Equal(t, len(last.Features), 2)
	assert.Equal(t, last.Features[0].ID, "camp")
	assert.Equal(t, last.Features[0].Geometry, orb.Point{7.5, 46.1})
	assert.Equal(t, last.Features[0].Properties["name"], "Camp")
	assert.Equal(t, last.Features[1].ID, "r1")
	assert.Equal(t, last.Features[1].Geometry, orb.LineString{{7.6, 46.2}, {7.7, 46.3}})

	// hiding a group hides its descendants
	requireApply(t, engine, &SetFeaturePropertyAction{Id: "g1", Key: protocol.KeyVisible, Value: false})
	assert.Equal(t, len(last.Features), 1)

	requireApply(t, engine, &SetFeaturePropertyAction{Id: "g1", Key: protocol.KeyVisible, Value: true})
	assert.Equal(t, len(last.Features), 2)

	// a route with one visible point is not a line
	requireApply(t, engine, &SetFeaturePropertyAction{Id: "rp2", Key: protocol.KeyVisible, Value: false})
	assert.Equal(t, len(last.Features), 1)

	// non geometry keys do not recompute
	before := calls
	requireApply(t, engine, &SetFeaturePropertyAction{Id: "camp", Key: "note", Value: "water nearby"})
	assert.Equal(t, calls, before)
}
