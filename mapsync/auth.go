package mapsync

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrTokenClaims = errors.New("sync token is missing claims")

// SyncToken is the bearer token sent in the auth frame.
// The client reads the claims only to label logs and to skip its own awareness
// entry. The server verifies the signature.
type SyncToken struct {
	MapId    string
	ClientId string
	UserId   string
}

func ParseSyncTokenUnverified(token string) (*SyncToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	syncToken := &SyncToken{}
	if mapId, ok := claims["map_id"].(string); ok {
		syncToken.MapId = mapId
	}
	if clientId, ok := claims["client_id"].(string); ok {
		syncToken.ClientId = clientId
	}
	if userId, ok := claims["user_id"].(string); ok {
		syncToken.UserId = userId
	}

	if syncToken.MapId == "" {
		return nil, fmt.Errorf("%w: map_id", ErrTokenClaims)
	}
	return syncToken, nil
}
