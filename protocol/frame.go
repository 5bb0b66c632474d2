package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// A frame is a protobuf message with two fields:
//   1: message type (varint)
//   2: message body (bytes), a serialized `google.protobuf.Struct`
// Unknown fields in the envelope are skipped.

const (
	frameFieldType protowire.Number = 1
	frameFieldBody protowire.Number = 2
)

var ErrMalformedFrame = errors.New("malformed frame")

func EncodeFrame(message Message) ([]byte, error) {
	body, err := toBody(message)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(body)
	if err != nil {
		return nil, err
	}
	bodyBytes, err := proto.Marshal(s)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 0, len(bodyBytes)+16)
	b = protowire.AppendTag(b, frameFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(message.MessageType()))
	b = protowire.AppendTag(b, frameFieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, bodyBytes)
	return b, nil
}

func RequireEncodeFrame(message Message) []byte {
	b, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeFrame returns an `*UnknownMessage` for a well formed frame of an unknown type.
func DecodeFrame(b []byte) (Message, error) {
	var messageType MessageType
	hasType := false
	var bodyBytes []byte
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == frameFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
			}
			messageType = MessageType(v)
			hasType = true
			b = b[n:]
		case num == frameFieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
			}
			bodyBytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !hasType {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	s := &structpb.Struct{}
	if err := proto.Unmarshal(bodyBytes, s); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, err)
	}
	return fromBody(messageType, s.AsMap())
}

func toBody(message Message) (map[string]any, error) {
	switch v := message.(type) {
	case *AuthMessage:
		return map[string]any{
			"token": v.Token,
		}, nil
	case *DeltaMessage:
		ops := make([]any, 0, len(v.Delta.Ops))
		for _, op := range v.Delta.Ops {
			opBody, err := opToWire(op)
			if err != nil {
				return nil, err
			}
			ops = append(ops, opBody)
		}
		return map[string]any{
			"ts":  v.Delta.Ts,
			"ops": ops,
		}, nil
	case *AwareMessage:
		return map[string]any{
			"aware": awareToWire(v.Aware),
		}, nil
	case *ChangeMessage:
		return changeToWire(&v.Change), nil
	case *ConfirmDeltaMessage:
		return map[string]any{
			"deltaTs": v.DeltaTs,
		}, nil
	case *PeersMessage:
		peers := make([]any, 0, len(v.Peers))
		for _, aware := range v.Peers {
			peers = append(peers, awareToWire(aware))
		}
		return map[string]any{
			"peers": peers,
		}, nil
	case *ErrorMessage:
		return map[string]any{
			"code":        float64(v.Code),
			"description": v.Description,
		}, nil
	case *InitialViewportMessage:
		return map[string]any{
			"viewport": viewportToWire(&v.Viewport),
		}, nil
	default:
		return nil, fmt.Errorf("Unknown message type: %T", message)
	}
}

func fromBody(messageType MessageType, body map[string]any) (Message, error) {
	switch messageType {
	case MessageTypeAuth:
		token, _ := body["token"].(string)
		return &AuthMessage{Token: token}, nil
	case MessageTypeDelta:
		ts, _ := body["ts"].(string)
		opBodies, _ := body["ops"].([]any)
		ops := make([]Op, 0, len(opBodies))
		for _, opBody := range opBodies {
			m, ok := opBody.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: op %T", ErrMalformedFrame, opBody)
			}
			op, err := opFromWire(m)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
		return &DeltaMessage{Delta: Delta{Ts: ts, Ops: ops}}, nil
	case MessageTypeAware:
		aware, err := awareFromWire(body["aware"])
		if err != nil {
			return nil, err
		}
		return &AwareMessage{Aware: aware}, nil
	case MessageTypeChange:
		change, err := changeFromWire(body)
		if err != nil {
			return nil, err
		}
		return &ChangeMessage{Change: *change}, nil
	case MessageTypeConfirmDelta:
		deltaTs, ok := body["deltaTs"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: missing deltaTs", ErrMalformedFrame)
		}
		return &ConfirmDeltaMessage{DeltaTs: deltaTs}, nil
	case MessageTypePeers:
		peerBodies, _ := body["peers"].([]any)
		peers := make([]Aware, 0, len(peerBodies))
		for _, peerBody := range peerBodies {
			aware, err := awareFromWire(peerBody)
			if err != nil {
				return nil, err
			}
			peers = append(peers, aware)
		}
		return &PeersMessage{Peers: peers}, nil
	case MessageTypeError:
		code, _ := toFloat(body["code"])
		description, _ := body["description"].(string)
		return &ErrorMessage{
			Code:        ErrorCode(code),
			Description: description,
		}, nil
	case MessageTypeInitialViewport:
		viewport, err := viewportFromWire(body["viewport"])
		if err != nil {
			return nil, err
		}
		if viewport == nil {
			return nil, fmt.Errorf("%w: missing viewport", ErrMalformedFrame)
		}
		return &InitialViewportMessage{Viewport: *viewport}, nil
	default:
		return &UnknownMessage{Variant: messageType}, nil
	}
}

func opToWire(op Op) (map[string]any, error) {
	switch v := op.(type) {
	case *CreateFeature:
		return map[string]any{
			"op":    v.OpName(),
			"id":    string(v.Id),
			"type":  string(v.Type),
			"at":    featureValueToWire(v.At),
			"props": propsToWire(v.Props),
		}, nil
	case *DeleteFeature:
		return map[string]any{
			"op": v.OpName(),
			"id": string(v.Id),
		}, nil
	case *SetFeatureProperty:
		return map[string]any{
			"op":    v.OpName(),
			"id":    string(v.Id),
			"key":   v.Key,
			"value": featureValueToWire(v.Value),
		}, nil
	case *SetLayerProperty:
		return map[string]any{
			"op":    v.OpName(),
			"id":    string(v.Id),
			"key":   v.Key,
			"value": v.Value,
		}, nil
	case *SetLayerOrder:
		ids := make([]any, 0, len(v.Ids))
		for _, id := range v.Ids {
			ids = append(ids, string(id))
		}
		return map[string]any{
			"op":  v.OpName(),
			"ids": ids,
		}, nil
	default:
		return nil, fmt.Errorf("Unknown op type: %T", op)
	}
}

func opFromWire(m map[string]any) (Op, error) {
	name, _ := m["op"].(string)
	id, _ := m["id"].(string)
	key, _ := m["key"].(string)
	switch name {
	case "createFeature":
		at, err := toAt(m["at"])
		if err != nil {
			return nil, err
		}
		featureType, _ := m["type"].(string)
		props, _ := m["props"].(map[string]any)
		normalizedProps, err := normalizeFeatureProps(props)
		if err != nil {
			return nil, err
		}
		return &CreateFeature{
			Id:    FeatureId(id),
			Type:  FeatureType(featureType),
			At:    at,
			Props: normalizedProps,
		}, nil
	case "deleteFeature":
		return &DeleteFeature{Id: FeatureId(id)}, nil
	case "setFeatureProperty":
		value, err := NormalizeFeatureValue(key, m["value"])
		if err != nil {
			return nil, err
		}
		return &SetFeatureProperty{Id: FeatureId(id), Key: key, Value: value}, nil
	case "setLayerProperty":
		value, err := NormalizeLayerValue(key, m["value"])
		if err != nil {
			return nil, err
		}
		return &SetLayerProperty{Id: LayerId(id), Key: key, Value: value}, nil
	case "setLayerOrder":
		idBodies, _ := m["ids"].([]any)
		ids := make([]LayerId, 0, len(idBodies))
		for _, idBody := range idBodies {
			layerId, ok := idBody.(string)
			if !ok {
				return nil, fmt.Errorf("%w: layer id %T", ErrMalformedFrame, idBody)
			}
			ids = append(ids, LayerId(layerId))
		}
		return &SetLayerOrder{Ids: ids}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrMalformedFrame, name)
	}
}

func changeToWire(change *Change) map[string]any {
	body := map[string]any{}
	if 0 < len(change.FeatureProps) {
		featureProps := map[string]any{}
		for id, props := range change.FeatureProps {
			featureProps[string(id)] = propsToWire(props)
		}
		body["featureProps"] = featureProps
	}
	if 0 < len(change.LayerProps) {
		layerProps := map[string]any{}
		for id, props := range change.LayerProps {
			layerProps[string(id)] = propsToWire(props)
		}
		body["layerProps"] = layerProps
	}
	if 0 < len(change.DeletedFeatures) {
		deleted := make([]any, 0, len(change.DeletedFeatures))
		for _, id := range change.DeletedFeatures {
			deleted = append(deleted, string(id))
		}
		body["deletedFeatures"] = deleted
	}
	if change.LayerOrder != nil {
		order := make([]any, 0, len(change.LayerOrder))
		for _, id := range change.LayerOrder {
			order = append(order, string(id))
		}
		body["layerOrder"] = order
	}
	return body
}

func changeFromWire(body map[string]any) (*Change, error) {
	change := &Change{}
	if featureProps, ok := body["featureProps"].(map[string]any); ok {
		change.FeatureProps = map[FeatureId]map[string]any{}
		for id, propsBody := range featureProps {
			props, ok := propsBody.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: feature props %T", ErrMalformedFrame, propsBody)
			}
			normalized, err := normalizeFeatureProps(props)
			if err != nil {
				return nil, fmt.Errorf("feature %s: %w", id, err)
			}
			change.FeatureProps[FeatureId(id)] = normalized
		}
	}
	if layerProps, ok := body["layerProps"].(map[string]any); ok {
		change.LayerProps = map[LayerId]map[string]any{}
		for id, propsBody := range layerProps {
			props, ok := propsBody.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: layer props %T", ErrMalformedFrame, propsBody)
			}
			normalized, err := normalizeLayerProps(props)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", id, err)
			}
			change.LayerProps[LayerId(id)] = normalized
		}
	}
	if deleted, ok := body["deletedFeatures"].([]any); ok {
		for _, idBody := range deleted {
			id, ok := idBody.(string)
			if !ok {
				return nil, fmt.Errorf("%w: deleted id %T", ErrMalformedFrame, idBody)
			}
			change.DeletedFeatures = append(change.DeletedFeatures, FeatureId(id))
		}
	}
	if order, ok := body["layerOrder"].([]any); ok {
		change.LayerOrder = make([]LayerId, 0, len(order))
		for _, idBody := range order {
			id, ok := idBody.(string)
			if !ok {
				return nil, fmt.Errorf("%w: layer id %T", ErrMalformedFrame, idBody)
			}
			change.LayerOrder = append(change.LayerOrder, LayerId(id))
		}
	}
	return change, nil
}

func awareToWire(aware Aware) map[string]any {
	body := map[string]any{
		"clientId": aware.ClientId,
		"userId":   aware.UserId,
	}
	if aware.ActiveFeature != RootId {
		body["activeFeature"] = string(aware.ActiveFeature)
	}
	if aware.Viewport != nil {
		body["viewport"] = viewportToWire(aware.Viewport)
	}
	return body
}

func awareFromWire(value any) (Aware, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return Aware{}, fmt.Errorf("%w: aware %T", ErrMalformedFrame, value)
	}
	clientId, _ := m["clientId"].(string)
	userId, _ := m["userId"].(string)
	activeFeature, _ := m["activeFeature"].(string)
	viewport, err := viewportFromWire(m["viewport"])
	if err != nil {
		return Aware{}, err
	}
	return Aware{
		ClientId:      clientId,
		UserId:        userId,
		ActiveFeature: FeatureId(activeFeature),
		Viewport:      viewport,
	}, nil
}
