// Package indexer maintains a secondary index of currently-open markets so
// the resolution driver and the RPC query surface can enumerate them
// without scanning full chain state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/tolelom/parisettle/core"
	"github.com/tolelom/parisettle/events"
	"github.com/tolelom/parisettle/storage"
)

const keyOpenMarkets = "idx:markets:open"

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventMarketCreated, idx.onMarketCreated)
	emitter.Subscribe(events.EventMarketResolved, idx.onMarketResolved)
	return idx
}

// OpenMarketKeys returns the derived keys of every market not yet resolved,
// in the order they were created. The resolution driver walks this list
// once per cycle.
func (idx *Indexer) OpenMarketKeys() ([]string, error) {
	return idx.getList(keyOpenMarkets)
}

// ---- event handlers ----

func (idx *Indexer) onMarketCreated(ev events.Event) {
	marketKey, _ := ev.Data["market_key"].(string)
	if marketKey == "" {
		return
	}
	if err := idx.addToList(keyOpenMarkets, marketKey); err != nil {
		log.Printf("[indexer] market create index write failed (market=%s): %v", marketKey, err)
	}
}

func (idx *Indexer) onMarketResolved(ev events.Event) {
	marketKey, _ := ev.Data["market_key"].(string)
	if marketKey == "" {
		return
	}
	if err := idx.removeFromList(keyOpenMarkets, marketKey); err != nil {
		log.Printf("[indexer] market resolve index remove failed (market=%s): %v", marketKey, err)
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil // already present
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}

func (idx *Indexer) removeFromList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	if ids == nil {
		return nil
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != value {
			filtered = append(filtered, id)
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
