package protocol

import (
	"fmt"

	"github.com/paulmach/orb"

	"github.com/plantopo/mapsync/fracidx"
)

// Wire vocabulary shared by the document engine, the outbox and the socket.
// Values carried by ops and changes are json-like (`nil`, `bool`, `float64`,
// `string`, `[]any`, `map[string]any`) except for the known keys, which are
// normalized to their typed form. See `NormalizeFeatureValue`.

type FeatureId string

// the implicit root of the feature tree
const RootId FeatureId = ""

type LayerId string

type FeatureType string

const (
	FeatureTypeGroup      FeatureType = "group"
	FeatureTypePoint      FeatureType = "point"
	FeatureTypeRoute      FeatureType = "route"
	FeatureTypeRoutePoint FeatureType = "routePoint"
)

func (self FeatureType) Valid() bool {
	switch self {
	case FeatureTypeGroup, FeatureTypePoint, FeatureTypeRoute, FeatureTypeRoutePoint:
		return true
	default:
		return false
	}
}

// only groups and routes have children
func (self FeatureType) IsContainer() bool {
	return self == FeatureTypeGroup || self == FeatureTypeRoute
}

// comparable
type At struct {
	Parent FeatureId
	Index  fracidx.Index
}

func (self At) String() string {
	return fmt.Sprintf("%s@%s", self.Parent, self.Index)
}

// feature keys
const (
	KeyType    = "type"
	KeyAt      = "at"
	KeyVisible = "visible"
	KeyName    = "name"
	KeyLngLat  = "lngLat"
	KeyColor   = "color"
)

// layer keys
const (
	KeyOpacity     = "opacity"
	PaintKeyPrefix = "paint-"
)

type Viewport struct {
	Center orb.Point
	Zoom   float64
}

type Aware struct {
	ClientId      string
	UserId        string
	ActiveFeature FeatureId
	Viewport      *Viewport
}

type Op interface {
	OpName() string
	isOp()
}

type CreateFeature struct {
	Id   FeatureId
	Type FeatureType
	At   At
	// initial values for keys other than `type` and `at`
	Props map[string]any
}

type DeleteFeature struct {
	Id FeatureId
}

type SetFeatureProperty struct {
	Id    FeatureId
	Key   string
	Value any
}

type SetLayerProperty struct {
	Id    LayerId
	Key   string
	Value any
}

// replaces the whole layer order
type SetLayerOrder struct {
	Ids []LayerId
}

func (self *CreateFeature) OpName() string      { return "createFeature" }
func (self *DeleteFeature) OpName() string      { return "deleteFeature" }
func (self *SetFeatureProperty) OpName() string { return "setFeatureProperty" }
func (self *SetLayerProperty) OpName() string   { return "setLayerProperty" }
func (self *SetLayerOrder) OpName() string      { return "setLayerOrder" }

func (self *CreateFeature) isOp()      {}
func (self *DeleteFeature) isOp()      {}
func (self *SetFeatureProperty) isOp() {}
func (self *SetLayerProperty) isOp()   {}
func (self *SetLayerOrder) isOp()      {}

// An outbound batch of ops. `Ts` is a client generated ulid string,
// so deltas from one client sort by creation time.
type Delta struct {
	Ts  string
	Ops []Op
}

// A server authoritative diff. Feature creation arrives as props that include
// `type` and `at`. A nil `LayerOrder` leaves the order unchanged.
type Change struct {
	FeatureProps    map[FeatureId]map[string]any
	LayerProps      map[LayerId]map[string]any
	DeletedFeatures []FeatureId
	LayerOrder      []LayerId
}

func (self *Change) IsEmpty() bool {
	return self == nil || (len(self.FeatureProps) == 0 &&
		len(self.LayerProps) == 0 &&
		len(self.DeletedFeatures) == 0 &&
		self.LayerOrder == nil)
}

// Merge folds `other` into `self`, later values win per (entity, key).
func (self *Change) Merge(other *Change) {
	if other == nil {
		return
	}
	for id, props := range other.FeatureProps {
		if self.FeatureProps == nil {
			self.FeatureProps = map[FeatureId]map[string]any{}
		}
		existing, ok := self.FeatureProps[id]
		if !ok {
			existing = map[string]any{}
			self.FeatureProps[id] = existing
		}
		for key, value := range props {
			existing[key] = value
		}
	}
	for id, props := range other.LayerProps {
		if self.LayerProps == nil {
			self.LayerProps = map[LayerId]map[string]any{}
		}
		existing, ok := self.LayerProps[id]
		if !ok {
			existing = map[string]any{}
			self.LayerProps[id] = existing
		}
		for key, value := range props {
			existing[key] = value
		}
	}
	self.DeletedFeatures = append(self.DeletedFeatures, other.DeletedFeatures...)
	if other.LayerOrder != nil {
		self.LayerOrder = append([]LayerId{}, other.LayerOrder...)
	}
}

type ErrorCode int

const (
	ErrorCodeParse           ErrorCode = 2
	ErrorCodeInvalid         ErrorCode = 3
	ErrorCodeWriteForbidden  ErrorCode = 4
	ErrorCodeAccessForbidden ErrorCode = 5
	ErrorCodeServer          ErrorCode = 6
)

// fatal codes mean the token is stale. Only a fresh load can recover.
func (self ErrorCode) IsFatal() bool {
	return self == ErrorCodeWriteForbidden || self == ErrorCodeAccessForbidden
}

func (self ErrorCode) String() string {
	switch self {
	case ErrorCodeParse:
		return "parseError"
	case ErrorCodeInvalid:
		return "invalidError"
	case ErrorCodeWriteForbidden:
		return "writeForbidden"
	case ErrorCodeAccessForbidden:
		return "accessForbidden"
	case ErrorCodeServer:
		return "serverError"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}
