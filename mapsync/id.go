package mapsync

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/plantopo/mapsync/protocol"
)

// comparable
// An action id. The string form is the delta ts, so ids from one client
// order by dispatch time and a re-dispatched id maps to the same outbox key.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) Time() time.Time {
	return ulid.Time(ulid.ULID(self).Time())
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func NewFeatureId() protocol.FeatureId {
	return protocol.FeatureId(uuid.NewString())
}

func NewClientId() string {
	return uuid.NewString()
}

var debugIdCounter atomic.Uint64

// short per instance tag for log lines
func nextDebugId(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, debugIdCounter.Add(1)-1)
}
