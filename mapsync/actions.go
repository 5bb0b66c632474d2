package mapsync

import (
	"fmt"

	"github.com/plantopo/mapsync/fracidx"
	"github.com/plantopo/mapsync/protocol"
)

// An Action is a user intent. It resolves to ops against the current engine
// state on the client event loop, at dispatch time.
type Action interface {
	Ops(engine *Engine) ([]protocol.Op, error)
}

type CreateFeatureAction struct {
	// generated when empty
	Id    protocol.FeatureId
	Type  protocol.FeatureType
	Place InsertPlace
	Props map[string]any
}

func (self *CreateFeatureAction) Ops(engine *Engine) ([]protocol.Op, error) {
	parent, before, after, err := engine.ResolvePlace(self.Place)
	if err != nil {
		return nil, err
	}
	index, err := fracidx.Mid(before, after)
	if err != nil {
		return nil, fmt.Errorf("create at %v: %w", self.Place, err)
	}
	if self.Id == protocol.RootId {
		self.Id = NewFeatureId()
	}
	return []protocol.Op{
		&protocol.CreateFeature{
			Id:    self.Id,
			Type:  self.Type,
			At:    protocol.At{Parent: parent, Index: index},
			Props: self.Props,
		},
	}, nil
}

// Moves features that need not share a parent. Nested selections are pruned and
// the rest land at `Place` in tree order.
type MoveFeaturesAction struct {
	Ids   []protocol.FeatureId
	Place InsertPlace
}

func (self *MoveFeaturesAction) Ops(engine *Engine) ([]protocol.Op, error) {
	ordered, err := engine.OrderFeatures(self.Ids)
	if err != nil {
		return nil, err
	}
	parent, before, after, err := engine.ResolvePlace(self.Place)
	if err != nil {
		return nil, err
	}
	ops := make([]protocol.Op, 0, len(ordered))
	for _, id := range ordered {
		index, err := fracidx.Mid(before, after)
		if err != nil {
			return nil, fmt.Errorf("move %s: %w", id, err)
		}
		ops = append(ops, &protocol.SetFeatureProperty{
			Id:    id,
			Key:   protocol.KeyAt,
			Value: protocol.At{Parent: parent, Index: index},
		})
		before = index
	}
	return ops, nil
}

// Deletes features and their descendants
type DeleteFeaturesAction struct {
	Ids []protocol.FeatureId
}

func (self *DeleteFeaturesAction) Ops(engine *Engine) ([]protocol.Op, error) {
	ordered, err := engine.OrderFeatures(self.Ids)
	if err != nil {
		return nil, err
	}
	ops := make([]protocol.Op, 0, len(ordered))
	for _, id := range ordered {
		ops = append(ops, &protocol.DeleteFeature{Id: id})
	}
	return ops, nil
}

type SetFeaturePropertyAction struct {
	Id    protocol.FeatureId
	Key   string
	Value any
}

func (self *SetFeaturePropertyAction) Ops(engine *Engine) ([]protocol.Op, error) {
	if self.Key == protocol.KeyAt {
		return nil, fmt.Errorf("%w: use a move to set %s", protocol.ErrInvalidValue, protocol.KeyAt)
	}
	return []protocol.Op{
		&protocol.SetFeatureProperty{Id: self.Id, Key: self.Key, Value: self.Value},
	}, nil
}

type SetLayerPropertyAction struct {
	Id    protocol.LayerId
	Key   string
	Value any
}

func (self *SetLayerPropertyAction) Ops(engine *Engine) ([]protocol.Op, error) {
	return []protocol.Op{
		&protocol.SetLayerProperty{Id: self.Id, Key: self.Key, Value: self.Value},
	}, nil
}

type SetLayerOrderAction struct {
	Ids []protocol.LayerId
}

func (self *SetLayerOrderAction) Ops(engine *Engine) ([]protocol.Op, error) {
	return []protocol.Op{
		&protocol.SetLayerOrder{Ids: self.Ids},
	}, nil
}

// Moves a layer directly before `Before`, or to the top when `Before` is empty
type MoveLayerAction struct {
	Id     protocol.LayerId
	Before protocol.LayerId
}

func (self *MoveLayerAction) Ops(engine *Engine) ([]protocol.Op, error) {
	order := []protocol.LayerId{}
	for _, id := range engine.LayerOrder() {
		if id != self.Id {
			order = append(order, id)
		}
	}
	i := len(order)
	if self.Before != "" {
		i = -1
		for j, id := range order {
			if id == self.Before {
				i = j
				break
			}
		}
		if i < 0 {
			return nil, fmt.Errorf("layer %s: %w", self.Before, ErrNotFound)
		}
	}
	order = append(order[:i], append([]protocol.LayerId{self.Id}, order[i:]...)...)
	return []protocol.Op{
		&protocol.SetLayerOrder{Ids: order},
	}, nil
}

// raw ops, e.g. collision repairs
type OpsAction struct {
	Ops_ []protocol.Op
}

func (self *OpsAction) Ops(engine *Engine) ([]protocol.Op, error) {
	return self.Ops_, nil
}
