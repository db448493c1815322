package deadletter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	prefixEntry = "/dlq/"
	keySeq      = "/meta/seq"
)

// PebbleStore keeps entries in a local Pebble database keyed by
// /dlq/{consumer}/{seq}.
type PebbleStore struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

// OpenPebble opens or creates the store at dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store at %s: %w", dir, err)
	}
	store := &PebbleStore{db: db}

	val, closer, err := db.Get([]byte(keySeq))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("load dead-letter sequence: %w", err)
	default:
		if len(val) == 8 {
			store.seq = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	}
	log.Info().Str("path", dir).Uint64("seq", store.seq).Msg("dead-letter store opened")
	return store, nil
}

func (s *PebbleStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	entry.Seq = seq
	val, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}
	seqBuf := binary.BigEndian.AppendUint64(nil, seq)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(entryKey(entry.ConsumerID, seq), val, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keySeq), seqBuf, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit dead-letter entry: %w", err)
	}
	s.seq = seq
	return nil
}

func (s *PebbleStore) List(_ context.Context, consumerID string, limit int) ([]Entry, error) {
	prefix := consumerPrefix(consumerID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var entry Entry
		if err := msgpack.Unmarshal(val, &entry); err != nil {
			return nil, fmt.Errorf("decode dead-letter entry %q: %w", iter.Key(), err)
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

func (s *PebbleStore) Count(ctx context.Context, consumerID string) (int, error) {
	entries, err := s.List(ctx, consumerID, 0)
	return len(entries), err
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func consumerPrefix(consumerID string) []byte {
	return []byte(prefixEntry + consumerID + "/")
}

func entryKey(consumerID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(consumerPrefix(consumerID), seq)
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
