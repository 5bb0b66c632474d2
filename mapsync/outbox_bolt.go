package mapsync

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

type BoltOutboxSettings struct {
	// each open attempt waits this long for the file lock
	OpenTimeout time.Duration
	// open attempts are retried this long while another process holds the lock
	LockWaitTimeout time.Duration
	FileMode        os.FileMode
}

func DefaultBoltOutboxSettings() *BoltOutboxSettings {
	return &BoltOutboxSettings{
		OpenTimeout:     200 * time.Millisecond,
		LockWaitTimeout: 10 * time.Second,
		FileMode:        0600,
	}
}

// BoltOutbox keeps one bucket per map id. Keys are the delta ts, so a cursor
// walk returns entries in ts order.
type BoltOutbox struct {
	db *bolt.DB
}

func OpenBoltOutboxWithDefaults(path string) (*BoltOutbox, error) {
	return OpenBoltOutbox(path, DefaultBoltOutboxSettings())
}

func OpenBoltOutbox(path string, settings *BoltOutboxSettings) (*BoltOutbox, error) {
	lockBackOff := backoff.NewExponentialBackOff()
	lockBackOff.InitialInterval = settings.OpenTimeout
	lockBackOff.MaxElapsedTime = settings.LockWaitTimeout

	var db *bolt.DB
	err := backoff.RetryNotify(func() error {
		var err error
		db, err = bolt.Open(path, settings.FileMode, &bolt.Options{
			Timeout: settings.OpenTimeout,
		})
		if errors.Is(err, bolt.ErrTimeout) {
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, lockBackOff, func(err error, delay time.Duration) {
		glog.Infof("[outbox]%s is locked, retry in %s\n", path, delay)
	})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	glog.V(1).Infof("[outbox]opened %s\n", path)
	return &BoltOutbox{
		db: db,
	}, nil
}

func (self *BoltOutbox) Load(mapId string) ([]*OutboxEntry, error) {
	entries := []*OutboxEntry{}
	err := self.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapId))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k []byte, v []byte) error {
			// bolt memory is only valid for the life of the transaction
			entries = append(entries, &OutboxEntry{
				Ts:    string(k),
				MapId: mapId,
				Sync:  slices.Clone(v),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (self *BoltOutbox) Add(entry *OutboxEntry) (bool, error) {
	added := false
	err := self.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(entry.MapId))
		if err != nil {
			return err
		}
		key := []byte(entry.Ts)
		if b.Get(key) != nil {
			return nil
		}
		added = true
		return b.Put(key, entry.Sync)
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

func (self *BoltOutbox) Remove(mapId string, ts string) (int, error) {
	removed := 0
	err := self.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapId))
		if b == nil {
			return nil
		}
		key := []byte(ts)
		if b.Get(key) == nil {
			return nil
		}
		removed = 1
		return b.Delete(key)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (self *BoltOutbox) Clear(mapId string) (int, error) {
	removed := 0
	err := self.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapId))
		if b == nil {
			return nil
		}
		removed = b.Stats().KeyN
		return tx.DeleteBucket([]byte(mapId))
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// MapIds lists the maps with unconfirmed entries
func (self *BoltOutbox) MapIds() ([]string, error) {
	mapIds := []string{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if k, _ := b.Cursor().First(); k != nil {
				mapIds = append(mapIds, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return mapIds, nil
}

func (self *BoltOutbox) Close() error {
	return self.db.Close()
}
