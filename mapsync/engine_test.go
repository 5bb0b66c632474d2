package mapsync

import (
	"errors"
	mathrand "math/rand"
	"slices"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/plantopo/mapsync/fracidx"
	"github.com/plantopo/mapsync/protocol"
)

func requireApply(t *testing.T, engine *Engine, action Action) {
	ops, err := action.Ops(engine)
	assert.Equal(t, err, nil)
	err = engine.Apply(ops)
	assert.Equal(t, err, nil)
}

func createAt(id protocol.FeatureId, featureType protocol.FeatureType, parent protocol.FeatureId, index fracidx.Index) *protocol.CreateFeature {
	return &protocol.CreateFeature{
		Id:   id,
		Type: featureType,
		At:   protocol.At{Parent: parent, Index: index},
	}
}

// the props a change carries to create a feature
func remoteFeature(featureType protocol.FeatureType, parent protocol.FeatureId, index fracidx.Index, props map[string]any) map[string]any {
	out := map[string]any{
		protocol.KeyType: featureType,
		protocol.KeyAt:   protocol.At{Parent: parent, Index: index},
	}
	for key, value := range props {
		out[key] = value
	}
	return out
}

func TestEngineInsertBetween(t *testing.T) {
	engine := NewEngineWithDefaults()

	a := &CreateFeatureAction{Id: "A", Type: protocol.FeatureTypePoint, Place: InsertPlace{Kind: PlaceLastChild}}
	requireApply(t, engine, a)
	b := &CreateFeatureAction{Id: "B", Type: protocol.FeatureTypePoint, Place: InsertPlace{Kind: PlaceLastChild}}
	requireApply(t, engine, b)
	c := &CreateFeatureAction{Id: "C", Type: protocol.FeatureTypePoint, Place: InsertPlace{Kind: PlaceAfter, Target: "A"}}
	requireApply(t, engine, c)

	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{"A", "C", "B"})

	d := &CreateFeatureAction{Type: protocol.FeatureTypePoint, Place: InsertPlace{Kind: PlaceFirstChild}}
	requireApply(t, engine, d)
	assert.NotEqual(t, d.Id, protocol.RootId)
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{d.Id, "A", "C", "B"})

	e := &CreateFeatureAction{Id: "E", Type: protocol.FeatureTypePoint, Place: InsertPlace{Kind: PlaceBefore, Target: "B"}}
	requireApply(t, engine, e)
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{d.Id, "A", "C", "E", "B"})
}

func TestEngineRandomInsertOrder(t *testing.T) {
	r := mathrand.New(mathrand.NewSource(0))
	engine := NewEngineWithDefaults()

	// model of the expected order
	expected := []protocol.FeatureId{}
	for i := range 256 {
		id := NewFeatureId()
		var place InsertPlace
		j := 0
		if 0 < len(expected) {
			j = r.Intn(len(expected) + 1)
		}
		if j == len(expected) {
			place = InsertPlace{Kind: PlaceLastChild}
		} else {
			place = InsertPlace{Kind: PlaceBefore, Target: expected[j]}
		}
		requireApply(t, engine, &CreateFeatureAction{Id: id, Type: protocol.FeatureTypePoint, Place: place})
		expected = slices.Insert(expected, j, id)
		if i%32 == 0 {
			assert.Equal(t, engine.FChildren(protocol.RootId), expected)
		}
	}
	assert.Equal(t, engine.FChildren(protocol.RootId), expected)
}

func TestEngineChangeIdempotent(t *testing.T) {
	engine := NewEngineWithDefaults()

	nameCalls := 0
	engine.AddFeaturePropListener("f1", protocol.KeyName, func(value any) {
		nameCalls += 1
	})
	childrenCalls := 0
	engine.AddChildrenListener(protocol.RootId, func(children []protocol.FeatureId) {
		childrenCalls += 1
	})
	// initial calls
	assert.Equal(t, nameCalls, 1)
	assert.Equal(t, childrenCalls, 1)

	change := &protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"f1": remoteFeature(protocol.FeatureTypePoint, protocol.RootId, "Q", map[string]any{
				protocol.KeyName:   "camp",
				protocol.KeyLngLat: orb.Point{7.5, 46.1},
			}),
			"f2": remoteFeature(protocol.FeatureTypeGroup, protocol.RootId, "R", nil),
		},
		LayerProps: map[protocol.LayerId]map[string]any{
			"topo": {protocol.KeyOpacity: 0.5},
		},
		LayerOrder: []protocol.LayerId{"topo"},
	}

	engine.Change(change)
	first := engine.Snapshot()
	assert.Equal(t, nameCalls, 2)
	assert.Equal(t, childrenCalls, 2)

	engine.Change(change)
	assert.Equal(t, engine.Snapshot(), first)
	// no value changed, no notification
	assert.Equal(t, nameCalls, 2)
	assert.Equal(t, childrenCalls, 2)

	assert.Equal(t, engine.FeatureProp("f1", protocol.KeyName), "camp")
	assert.Equal(t, engine.LayerProp("topo", protocol.KeyOpacity), 0.5)
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{"f1", "f2"})
}

func TestEngineObserverBatching(t *testing.T) {
	engine := NewEngineWithDefaults()
	err := engine.Apply([]protocol.Op{createAt("f1", protocol.FeatureTypePoint, protocol.RootId, "Q")})
	assert.Equal(t, err, nil)

	values := []any{}
	engine.AddFeaturePropListener("f1", protocol.KeyName, func(value any) {
		values = append(values, value)
	})

	err = engine.Apply([]protocol.Op{
		&protocol.SetFeatureProperty{Id: "f1", Key: protocol.KeyName, Value: "a"},
		&protocol.SetFeatureProperty{Id: "f1", Key: protocol.KeyName, Value: "b"},
		&protocol.SetFeatureProperty{Id: "f1", Key: protocol.KeyName, Value: "c"},
	})
	assert.Equal(t, err, nil)
	// the initial call, then one call with the final value
	assert.Equal(t, values, []any{nil, "c"})

	// setting and restoring in one batch is not a change
	err = engine.Apply([]protocol.Op{
		&protocol.SetFeatureProperty{Id: "f1", Key: protocol.KeyName, Value: "d"},
		&protocol.SetFeatureProperty{Id: "f1", Key: protocol.KeyName, Value: "c"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, values, []any{nil, "c"})
}

func TestEngineUnsubscribe(t *testing.T) {
	engine := NewEngineWithDefaults()
	calls := 0
	remove := engine.AddChildrenListener(protocol.RootId, func(children []protocol.FeatureId) {
		calls += 1
	})
	remove()
	err := engine.Apply([]protocol.Op{createAt("f1", protocol.FeatureTypePoint, protocol.RootId, "Q")})
	assert.Equal(t, err, nil)
	assert.Equal(t, calls, 1)
}

func TestEngineListenerPanicIsolated(t *testing.T) {
	engine := NewEngineWithDefaults()
	engine.AddChildrenListener(protocol.RootId, func(children []protocol.FeatureId) {
		if 0 < len(children) {
			panic("bad listener")
		}
	})
	var seen []protocol.FeatureId
	engine.AddChildrenListener(protocol.RootId, func(children []protocol.FeatureId) {
		seen = children
	})
	err := engine.Apply([]protocol.Op{createAt("f1", protocol.FeatureTypePoint, protocol.RootId, "Q")})
	assert.Equal(t, err, nil)
	assert.Equal(t, seen, []protocol.FeatureId{"f1"})
}

func TestEngineApplyRollback(t *testing.T) {
	engine := NewEngineWithDefaults()
	calls := 0
	engine.AddChildrenListener(protocol.RootId, func(children []protocol.FeatureId) {
		calls += 1
	})

	err := engine.Apply([]protocol.Op{
		createAt("g1", protocol.FeatureTypeGroup, protocol.RootId, "Q"),
		createAt("f1", protocol.FeatureTypePoint, "g1", "Q"),
		&protocol.SetLayerProperty{Id: "topo", Key: protocol.KeyOpacity, Value: 0.2},
		&protocol.SetFeatureProperty{Id: "missing", Key: protocol.KeyName, Value: "x"},
	})
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	assert.Equal(t, engine.HasFeature("g1"), false)
	assert.Equal(t, engine.HasFeature("f1"), false)
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{})
	_, ok := engine.Layer("topo")
	assert.Equal(t, ok, false)
	// only the initial call
	assert.Equal(t, calls, 1)

	// invalid values are rejected before anything applies
	err = engine.Apply([]protocol.Op{
		createAt("g1", protocol.FeatureTypeGroup, protocol.RootId, "Q"),
		&protocol.SetLayerProperty{Id: "topo", Key: protocol.KeyOpacity, Value: 2.0},
	})
	assert.Equal(t, errors.Is(err, protocol.ErrInvalidValue), true)
	assert.Equal(t, engine.HasFeature("g1"), false)
}

func TestEngineApplyRollbackGeometry(t *testing.T) {
	engine := NewEngineWithDefaults()
	calls := 0
	engine.AddGeometryListener(func(geometry *geojson.FeatureCollection) {
		calls += 1
	})

	err := engine.Apply([]protocol.Op{
		&protocol.CreateFeature{
			Id:    "p1",
			Type:  protocol.FeatureTypePoint,
			At:    protocol.At{Parent: protocol.RootId, Index: "Q"},
			Props: map[string]any{protocol.KeyLngLat: orb.Point{7.5, 46.1}},
		},
		&protocol.SetFeatureProperty{Id: "missing", Key: protocol.KeyName, Value: "x"},
	})
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
	// only the initial call
	assert.Equal(t, calls, 1)

	// a hidden empty group does not change the projection
	err = engine.Apply([]protocol.Op{
		&protocol.CreateFeature{
			Id:    "g1",
			Type:  protocol.FeatureTypeGroup,
			At:    protocol.At{Parent: protocol.RootId, Index: "Q"},
			Props: map[string]any{protocol.KeyVisible: false},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, calls, 1)
}

func TestEngineApplyPanicRollsBack(t *testing.T) {
	engine := NewEngineWithDefaults()
	calls := 0
	engine.AddChildrenListener(protocol.RootId, func(children []protocol.FeatureId) {
		calls += 1
	})

	err := HandleError(func() {
		engine.Apply([]protocol.Op{
			createAt("p1", protocol.FeatureTypePoint, protocol.RootId, "Q"),
			(*protocol.SetFeatureProperty)(nil),
		})
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, engine.HasFeature("p1"), false)
	assert.Equal(t, calls, 1)

	// the engine is still usable
	err = engine.Apply([]protocol.Op{createAt("p1", protocol.FeatureTypePoint, protocol.RootId, "Q")})
	assert.Equal(t, err, nil)
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{"p1"})
	assert.Equal(t, calls, 2)
}

func TestEngineEmptyStringIsAValue(t *testing.T) {
	engine := NewEngineWithDefaults()
	values := []any{}
	engine.AddFeaturePropListener("p1", protocol.KeyName, func(value any) {
		values = append(values, value)
	})

	requireApply(t, engine, &CreateFeatureAction{
		Id:    "p1",
		Type:  protocol.FeatureTypePoint,
		Place: InsertPlace{Kind: PlaceLastChild},
		Props: map[string]any{protocol.KeyName: "Camp"},
	})
	requireApply(t, engine, &SetFeaturePropertyAction{Id: "p1", Key: protocol.KeyName, Value: ""})
	assert.Equal(t, engine.FeatureProp("p1", protocol.KeyName), "")
	requireApply(t, engine, &SetFeaturePropertyAction{Id: "p1", Key: protocol.KeyName, Value: nil})
	assert.Equal(t, engine.FeatureProp("p1", protocol.KeyName), nil)

	assert.Equal(t, values, []any{nil, "Camp", "", nil})

	f, _ := engine.Feature("p1")
	assert.Equal(t, slices.Contains(f.Keys(), protocol.KeyName), false)
}

func TestEngineParentMustBeContainer(t *testing.T) {
	engine := NewEngineWithDefaults()
	err := engine.Apply([]protocol.Op{createAt("p1", protocol.FeatureTypePoint, protocol.RootId, "Q")})
	assert.Equal(t, err, nil)

	err = engine.Apply([]protocol.Op{createAt("p2", protocol.FeatureTypePoint, "p1", "Q")})
	assert.Equal(t, errors.Is(err, ErrNotContainer), true)

	err = engine.Apply([]protocol.Op{createAt("p2", protocol.FeatureTypePoint, "nope", "Q")})
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	err = engine.Apply([]protocol.Op{createAt("p1", protocol.FeatureTypePoint, protocol.RootId, "R")})
	assert.Equal(t, errors.Is(err, ErrExists), true)
}

func TestEngineLocalCycleRejected(t *testing.T) {
	engine := NewEngineWithDefaults()
	err := engine.Apply([]protocol.Op{
		createAt("g1", protocol.FeatureTypeGroup, protocol.RootId, "Q"),
		createAt("g2", protocol.FeatureTypeGroup, "g1", "Q"),
		createAt("g3", protocol.FeatureTypeGroup, "g2", "Q"),
	})
	assert.Equal(t, err, nil)

	_, err = (&MoveFeaturesAction{
		Ids:   []protocol.FeatureId{"g1"},
		Place: InsertPlace{Kind: PlaceFirstChild, Target: "g3"},
	}).Ops(engine)
	assert.Equal(t, err, nil)

	ops, _ := (&MoveFeaturesAction{
		Ids:   []protocol.FeatureId{"g1"},
		Place: InsertPlace{Kind: PlaceFirstChild, Target: "g3"},
	}).Ops(engine)
	err = engine.Apply(ops)
	assert.Equal(t, errors.Is(err, ErrCycle), true)

	ancestry, err := engine.FAncestry("g3")
	assert.Equal(t, err, nil)
	assert.Equal(t, ancestry, []protocol.FeatureId{"g3", "g2", "g1"})
}

func TestEngineRemoteCycleHeldInvalid(t *testing.T) {
	engine := NewEngineWithDefaults()
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"g1": remoteFeature(protocol.FeatureTypeGroup, protocol.RootId, "Q", nil),
			"g2": remoteFeature(protocol.FeatureTypeGroup, "g1", "Q", nil),
		},
	})
	assert.Equal(t, engine.FChildren("g1"), []protocol.FeatureId{"g2"})

	// g1 under its own child is inconsistent with local state
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"g1": {protocol.KeyAt: protocol.At{Parent: "g2", Index: "Q"}},
		},
	})
	parent, _ := engine.FParent("g1")
	assert.Equal(t, parent, protocol.RootId)
	at, ok := engine.InvalidPosition("g1")
	assert.Equal(t, ok, true)
	assert.Equal(t, at.Parent, protocol.FeatureId("g2"))

	// a later change moves g2 out, the held position now applies
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"g2": {protocol.KeyAt: protocol.At{Parent: protocol.RootId, Index: "R"}},
		},
	})
	parent, _ = engine.FParent("g1")
	assert.Equal(t, parent, protocol.FeatureId("g2"))
	_, ok = engine.InvalidPosition("g1")
	assert.Equal(t, ok, false)
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{"g2"})
}

func TestEngineRemoteChildBeforeParent(t *testing.T) {
	engine := NewEngineWithDefaults()
	// the child arrives first, its parent in a later change
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"p1": remoteFeature(protocol.FeatureTypePoint, "g1", "Q", nil),
		},
	})
	_, ok := engine.InvalidPosition("p1")
	assert.Equal(t, ok, true)

	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"g1": remoteFeature(protocol.FeatureTypeGroup, protocol.RootId, "Q", nil),
		},
	})
	assert.Equal(t, engine.FChildren("g1"), []protocol.FeatureId{"p1"})
}

func TestEngineAncestryCorruptData(t *testing.T) {
	engine := NewEngineWithDefaults()
	a := newFeature("a")
	a.Type = protocol.FeatureTypeGroup
	a.At = protocol.At{Parent: "b", Index: "Q"}
	b := newFeature("b")
	b.Type = protocol.FeatureTypeGroup
	b.At = protocol.At{Parent: "a", Index: "Q"}
	engine.features["a"] = a
	engine.features["b"] = b

	_, err := engine.FAncestry("a")
	assert.Equal(t, errors.Is(err, ErrCycle), true)

	_, err = engine.OrderFeatures([]protocol.FeatureId{"a"})
	assert.Equal(t, errors.Is(err, ErrCycle), true)

	// a chain deeper than the bound is reported the same way
	engine = NewEngine(&EngineSettings{MaxDepth: 4})
	parent := protocol.RootId
	for i := range 8 {
		id := protocol.FeatureId([]byte{'a' + byte(i)})
		f := newFeature(id)
		f.Type = protocol.FeatureTypeGroup
		f.At = protocol.At{Parent: parent, Index: "Q"}
		engine.features[id] = f
		parent = id
	}
	_, err = engine.FAncestry(parent)
	assert.Equal(t, errors.Is(err, ErrCycle), true)
}

func TestEngineCollisionRepair(t *testing.T) {
	engine := NewEngineWithDefaults()
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"p1": remoteFeature(protocol.FeatureTypePoint, protocol.RootId, "Q", nil),
			"p2": remoteFeature(protocol.FeatureTypePoint, protocol.RootId, "Q", nil),
			"p3": remoteFeature(protocol.FeatureTypePoint, protocol.RootId, "R", nil),
		},
	})
	// equal indices order by id
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{"p1", "p2", "p3"})

	repair := engine.RepairOps()
	assert.Equal(t, len(repair), 1)
	op := repair[0].(*protocol.SetFeatureProperty)
	assert.Equal(t, op.Id, protocol.FeatureId("p2"))
	at := op.Value.(protocol.At)
	assert.Equal(t, at.Index, fracidx.RequireMid("Q", "R"))

	err := engine.Apply(repair)
	assert.Equal(t, err, nil)
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{"p1", "p2", "p3"})
	assert.Equal(t, len(engine.RepairOps()), 0)
}

func TestEngineOrderFeatures(t *testing.T) {
	engine := NewEngineWithDefaults()
	err := engine.Apply([]protocol.Op{
		createAt("g1", protocol.FeatureTypeGroup, protocol.RootId, "A"),
		createAt("x", protocol.FeatureTypePoint, "g1", "A"),
		createAt("y", protocol.FeatureTypePoint, "g1", "B"),
		createAt("z", protocol.FeatureTypePoint, protocol.RootId, "B"),
	})
	assert.Equal(t, err, nil)

	ordered, err := engine.OrderFeatures([]protocol.FeatureId{"z", "y", "x"})
	assert.Equal(t, err, nil)
	assert.Equal(t, ordered, []protocol.FeatureId{"x", "y", "z"})

	// x and y move with g1
	ordered, err = engine.OrderFeatures([]protocol.FeatureId{"z", "y", "g1", "x"})
	assert.Equal(t, err, nil)
	assert.Equal(t, ordered, []protocol.FeatureId{"g1", "z"})

	_, err = engine.OrderFeatures([]protocol.FeatureId{"missing"})
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestEngineMoveFeatures(t *testing.T) {
	engine := NewEngineWithDefaults()
	for _, id := range []protocol.FeatureId{"a", "b", "c"} {
		requireApply(t, engine, &CreateFeatureAction{Id: id, Type: protocol.FeatureTypePoint, Place: InsertPlace{Kind: PlaceLastChild}})
	}
	requireApply(t, engine, &CreateFeatureAction{Id: "g", Type: protocol.FeatureTypeGroup, Place: InsertPlace{Kind: PlaceLastChild}})
	requireApply(t, engine, &CreateFeatureAction{Id: "d", Type: protocol.FeatureTypePoint, Place: InsertPlace{Kind: PlaceLastChild, Target: "g"}})

	// moved features keep their relative tree order
	requireApply(t, engine, &MoveFeaturesAction{
		Ids:   []protocol.FeatureId{"c", "a"},
		Place: InsertPlace{Kind: PlaceFirstChild, Target: "g"},
	})
	assert.Equal(t, engine.FChildren("g"), []protocol.FeatureId{"a", "c", "d"})
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{"b", "g"})
}

func TestEngineDeleteToTrash(t *testing.T) {
	engine := NewEngineWithDefaults()
	err := engine.Apply([]protocol.Op{
		createAt("g1", protocol.FeatureTypeGroup, protocol.RootId, "Q"),
		createAt("g2", protocol.FeatureTypeGroup, "g1", "Q"),
		createAt("p1", protocol.FeatureTypePoint, "g2", "Q"),
	})
	assert.Equal(t, err, nil)

	values := []any{}
	engine.AddFeaturePropListener("p1", protocol.KeyName, func(value any) {
		values = append(values, value)
	})

	requireApply(t, engine, &DeleteFeaturesAction{Ids: []protocol.FeatureId{"p1", "g1"}})
	assert.Equal(t, engine.HasFeature("g1"), false)
	assert.Equal(t, engine.HasFeature("g2"), false)
	assert.Equal(t, engine.HasFeature("p1"), false)
	assert.Equal(t, engine.FChildren(protocol.RootId), []protocol.FeatureId{})
	_, ok := engine.Trashed("p1")
	assert.Equal(t, ok, true)

	// edits to trashed features are kept but not observed
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"p1": {protocol.KeyName: "late"},
		},
	})
	trashed, _ := engine.Trashed("p1")
	assert.Equal(t, trashed.Get(protocol.KeyName), "late")
	assert.Equal(t, values, []any{nil})
	assert.Equal(t, engine.FeatureProp("p1", protocol.KeyName), nil)
}

func TestEngineRemoteDelete(t *testing.T) {
	engine := NewEngineWithDefaults()
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"g1": remoteFeature(protocol.FeatureTypeGroup, protocol.RootId, "Q", nil),
			"p1": remoteFeature(protocol.FeatureTypePoint, "g1", "Q", nil),
		},
	})
	engine.Change(&protocol.Change{
		DeletedFeatures: []protocol.FeatureId{"g1"},
	})
	assert.Equal(t, engine.HasFeature("p1"), false)
	_, ok := engine.Trashed("p1")
	assert.Equal(t, ok, true)

	// deletes are idempotent
	engine.Change(&protocol.Change{
		DeletedFeatures: []protocol.FeatureId{"g1"},
	})
	assert.Equal(t, engine.HasFeature("g1"), false)
}

func TestEnginePendingRebase(t *testing.T) {
	engine := NewEngineWithDefaults()
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"f1": remoteFeature(protocol.FeatureTypePoint, protocol.RootId, "Q", map[string]any{
				protocol.KeyName: "server",
			}),
		},
	})

	pending := []protocol.Op{
		&protocol.SetFeatureProperty{Id: "f1", Key: protocol.KeyName, Value: "local"},
	}
	err := engine.Apply(pending)
	assert.Equal(t, err, nil)

	values := []any{}
	engine.AddFeaturePropListener("f1", protocol.KeyName, func(value any) {
		values = append(values, value)
	})

	// a peer write lands before our delta is confirmed
	engine.Change(&protocol.Change{
		FeatureProps: map[protocol.FeatureId]map[string]any{
			"f1": {protocol.KeyName: "peer"},
		},
	}, pending)
	assert.Equal(t, engine.FeatureProp("f1", protocol.KeyName), "local")
	// the intermediate peer value is never observed
	assert.Equal(t, values, []any{"local"})

	// pending ops against a feature a peer deleted are skipped
	engine.Change(&protocol.Change{
		DeletedFeatures: []protocol.FeatureId{"f1"},
	}, pending)
	assert.Equal(t, engine.HasFeature("f1"), false)
}

func TestEngineLayerOrder(t *testing.T) {
	engine := NewEngineWithDefaults()

	var lastOrder []protocol.LayerId
	changeCount := 0
	engine.AddLayerOrderListener(func(order []protocol.LayerId, changes []LayerOrderChange) {
		lastOrder = order
		changeCount += len(changes)
	})

	requireApply(t, engine, &SetLayerOrderAction{Ids: []protocol.LayerId{"a", "b", "c"}})
	assert.Equal(t, lastOrder, []protocol.LayerId{"a", "b", "c"})
	assert.Equal(t, changeCount, 3)

	requireApply(t, engine, &MoveLayerAction{Id: "c", Before: "a"})
	assert.Equal(t, engine.LayerOrder(), []protocol.LayerId{"c", "a", "b"})
	assert.Equal(t, lastOrder, []protocol.LayerId{"c", "a", "b"})

	requireApply(t, engine, &MoveLayerAction{Id: "c"})
	assert.Equal(t, engine.LayerOrder(), []protocol.LayerId{"a", "b", "c"})

	_, err := (&MoveLayerAction{Id: "c", Before: "missing"}).Ops(engine)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func applyLayerOrderChanges(from []protocol.LayerId, changes []LayerOrderChange) []protocol.LayerId {
	work := slices.Clone(from)
	for _, change := range changes {
		if i := slices.Index(work, change.Id); 0 <= i {
			work = slices.Delete(work, i, i+1)
		}
		if change.Type == LayerOrderRemove {
			continue
		}
		j := len(work)
		if change.Before != "" {
			j = slices.Index(work, change.Before)
		}
		work = slices.Insert(work, j, change.Id)
	}
	return work
}

func TestDiffLayerOrder(t *testing.T) {
	cases := [][2][]protocol.LayerId{
		{{"a", "b", "c"}, {"c", "a", "d"}},
		{{}, {"a", "b"}},
		{{"a", "b"}, {}},
		{{"a", "b", "c", "d"}, {"d", "c", "b", "a"}},
		{{"a", "b", "c"}, {"a", "b", "c"}},
	}
	for _, c := range cases {
		changes := diffLayerOrder(c[0], c[1])
		assert.Equal(t, applyLayerOrderChanges(c[0], changes), c[1])
	}

	assert.Equal(t, len(diffLayerOrder([]protocol.LayerId{"a", "b", "c"}, []protocol.LayerId{"a", "b", "c"})), 0)

	r := mathrand.New(mathrand.NewSource(0))
	ids := []protocol.LayerId{"a", "b", "c", "d", "e", "f", "g"}
	for range 256 {
		from := []protocol.LayerId{}
		to := []protocol.LayerId{}
		for _, i := range r.Perm(len(ids))[:r.Intn(len(ids))] {
			from = append(from, ids[i])
		}
		for _, i := range r.Perm(len(ids))[:r.Intn(len(ids))] {
			to = append(to, ids[i])
		}
		changes := diffLayerOrder(from, to)
		assert.Equal(t, applyLayerOrderChanges(from, changes), to)
	}
}

func TestEnginePaintListener(t *testing.T) {
	engine := NewEngineWithDefaults()

	type paintCall struct {
		id    protocol.LayerId
		key   string
		value any
	}
	calls := []paintCall{}
	engine.AddPaintPropListener(func(id protocol.LayerId, key string, value any) {
		calls = append(calls, paintCall{id: id, key: key, value: value})
	})

	requireApply(t, engine, &SetLayerPropertyAction{Id: "topo", Key: "paint-line-color", Value: "#ff0000"})
	requireApply(t, engine, &SetLayerPropertyAction{Id: "topo", Key: protocol.KeyOpacity, Value: 0.3})
	requireApply(t, engine, &SetLayerPropertyAction{Id: "topo", Key: "paint-line-color", Value: nil})

	assert.Equal(t, calls, []paintCall{
		{id: "topo", key: "paint-line-color", value: "#ff0000"},
		{id: "topo", key: "paint-line-color", value: nil},
	})
	layer, _ := engine.Layer("topo")
	assert.Equal(t, len(layer.PaintProps()), 0)
}

func TestEnginePeers(t *testing.T) {
	engine := NewEngineWithDefaults()
	calls := 0
	engine.AddPeersListener(func(peers map[string]protocol.Aware) {
		calls += 1
	})

	peers := []protocol.Aware{
		{ClientId: "me", UserId: "u0"},
		{ClientId: "c1", UserId: "u1", ActiveFeature: "f1"},
	}
	engine.SetPeers(peers, "me")
	assert.Equal(t, len(engine.Peers()), 1)
	assert.Equal(t, engine.Peers()["c1"].ActiveFeature, protocol.FeatureId("f1"))
	assert.Equal(t, calls, 2)

	engine.SetPeers(peers, "me")
	assert.Equal(t, calls, 2)

	engine.ClearPeers()
	assert.Equal(t, len(engine.Peers()), 0)
	assert.Equal(t, calls, 3)
}
