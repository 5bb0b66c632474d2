package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/plantopo/mapsync/fracidx"
)

var ErrInvalidValue = errors.New("invalid value")

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func toPoint(value any) (orb.Point, bool) {
	switch v := value.(type) {
	case orb.Point:
		return v, true
	case [2]float64:
		return orb.Point(v), true
	case []float64:
		if len(v) != 2 {
			return orb.Point{}, false
		}
		return orb.Point{v[0], v[1]}, true
	case []any:
		if len(v) != 2 {
			return orb.Point{}, false
		}
		lng, ok := toFloat(v[0])
		if !ok {
			return orb.Point{}, false
		}
		lat, ok := toFloat(v[1])
		if !ok {
			return orb.Point{}, false
		}
		return orb.Point{lng, lat}, true
	default:
		return orb.Point{}, false
	}
}

func toAt(value any) (At, error) {
	switch v := value.(type) {
	case At:
		if err := fracidx.Validate(v.Index); err != nil {
			return At{}, err
		}
		return v, nil
	case map[string]any:
		parent, ok := v["parent"].(string)
		if !ok && v["parent"] != nil {
			return At{}, fmt.Errorf("%w: at.parent %T", ErrInvalidValue, v["parent"])
		}
		index, ok := v["index"].(string)
		if !ok {
			return At{}, fmt.Errorf("%w: at.index %T", ErrInvalidValue, v["index"])
		}
		at := At{
			Parent: FeatureId(parent),
			Index:  fracidx.Index(index),
		}
		if err := fracidx.Validate(at.Index); err != nil {
			return At{}, err
		}
		return at, nil
	default:
		return At{}, fmt.Errorf("%w: at %T", ErrInvalidValue, value)
	}
}

// json-like values are the ones a `structpb.Value` can hold
func checkJsonLike(key string, value any) error {
	if _, err := structpb.NewValue(value); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidValue, key, err)
	}
	return nil
}

// NormalizeFeatureValue converts a wire or caller value for `key` to its typed form.
// Known keys normalize to: `type` FeatureType, `at` At, `visible` bool,
// `name` and `color` string, `lngLat` orb.Point. Other keys keep json-like values.
// A nil value unsets the key, except for `type` and `at`.
func NormalizeFeatureValue(key string, value any) (any, error) {
	if value == nil {
		switch key {
		case KeyType, KeyAt:
			return nil, fmt.Errorf("%w: %s cannot be unset", ErrInvalidValue, key)
		default:
			return nil, nil
		}
	}
	switch key {
	case KeyType:
		var featureType FeatureType
		switch v := value.(type) {
		case FeatureType:
			featureType = v
		case string:
			featureType = FeatureType(v)
		}
		if !featureType.Valid() {
			return nil, fmt.Errorf("%w: type %v", ErrInvalidValue, value)
		}
		return featureType, nil
	case KeyAt:
		return toAt(value)
	case KeyVisible:
		v, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: visible %T", ErrInvalidValue, value)
		}
		return v, nil
	case KeyName, KeyColor:
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s %T", ErrInvalidValue, key, value)
		}
		return v, nil
	case KeyLngLat:
		v, ok := toPoint(value)
		if !ok {
			return nil, fmt.Errorf("%w: lngLat %v", ErrInvalidValue, value)
		}
		return v, nil
	default:
		if err := checkJsonLike(key, value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

// NormalizeLayerValue is the layer equivalent of `NormalizeFeatureValue`.
// `opacity` is a float64 in [0, 1].
func NormalizeLayerValue(key string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch key {
	case KeyOpacity:
		v, ok := toFloat(value)
		if !ok || v < 0 || 1 < v {
			return nil, fmt.Errorf("%w: opacity %v", ErrInvalidValue, value)
		}
		return v, nil
	default:
		if err := checkJsonLike(key, value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

func IsPaintKey(key string) bool {
	return strings.HasPrefix(key, PaintKeyPrefix)
}

// inverse of `NormalizeFeatureValue`
func featureValueToWire(value any) any {
	switch v := value.(type) {
	case FeatureType:
		return string(v)
	case At:
		return map[string]any{
			"parent": string(v.Parent),
			"index":  string(v.Index),
		}
	case orb.Point:
		return []any{v[0], v[1]}
	default:
		return value
	}
}

func propsToWire(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for key, value := range props {
		out[key] = featureValueToWire(value)
	}
	return out
}

func normalizeFeatureProps(props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for key, value := range props {
		v, err := NormalizeFeatureValue(key, value)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func normalizeLayerProps(props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for key, value := range props {
		v, err := NormalizeLayerValue(key, value)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func viewportToWire(viewport *Viewport) any {
	if viewport == nil {
		return nil
	}
	return map[string]any{
		"center": []any{viewport.Center[0], viewport.Center[1]},
		"zoom":   viewport.Zoom,
	}
}

func viewportFromWire(value any) (*Viewport, error) {
	if value == nil {
		return nil, nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: viewport %T", ErrInvalidValue, value)
	}
	center, ok := toPoint(m["center"])
	if !ok {
		return nil, fmt.Errorf("%w: viewport.center %v", ErrInvalidValue, m["center"])
	}
	zoom, ok := toFloat(m["zoom"])
	if !ok {
		return nil, fmt.Errorf("%w: viewport.zoom %v", ErrInvalidValue, m["zoom"])
	}
	return &Viewport{
		Center: center,
		Zoom:   zoom,
	}, nil
}

// ValidateOp checks the shape of `op` and normalizes its values in place.
func ValidateOp(op Op) error {
	switch v := op.(type) {
	case *CreateFeature:
		if v.Id == RootId {
			return fmt.Errorf("%w: create with root id", ErrInvalidValue)
		}
		if !v.Type.Valid() {
			return fmt.Errorf("%w: type %q", ErrInvalidValue, v.Type)
		}
		if _, err := toAt(v.At); err != nil {
			return err
		}
		if v.At.Parent == v.Id {
			return fmt.Errorf("%w: feature is its own parent", ErrInvalidValue)
		}
		props, err := normalizeFeatureProps(v.Props)
		if err != nil {
			return err
		}
		delete(props, KeyType)
		delete(props, KeyAt)
		v.Props = props
		return nil
	case *DeleteFeature:
		if v.Id == RootId {
			return fmt.Errorf("%w: delete root", ErrInvalidValue)
		}
		return nil
	case *SetFeatureProperty:
		if v.Id == RootId {
			return fmt.Errorf("%w: set on root", ErrInvalidValue)
		}
		if v.Key == KeyType {
			return fmt.Errorf("%w: type is immutable", ErrInvalidValue)
		}
		value, err := NormalizeFeatureValue(v.Key, v.Value)
		if err != nil {
			return err
		}
		v.Value = value
		return nil
	case *SetLayerProperty:
		if v.Id == "" {
			return fmt.Errorf("%w: empty layer id", ErrInvalidValue)
		}
		value, err := NormalizeLayerValue(v.Key, v.Value)
		if err != nil {
			return err
		}
		v.Value = value
		return nil
	case *SetLayerOrder:
		seen := map[LayerId]bool{}
		for _, id := range v.Ids {
			if seen[id] {
				return fmt.Errorf("%w: duplicate layer %q", ErrInvalidValue, id)
			}
			seen[id] = true
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %T", ErrInvalidValue, op)
	}
}
