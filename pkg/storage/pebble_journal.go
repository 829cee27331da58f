package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// keys: j:<8-byte-seq>
var journalPrefix = []byte("j:")

func kEntry(seq uint64) []byte {
	k := make([]byte, len(journalPrefix)+8)
	copy(k, journalPrefix)
	binary.BigEndian.PutUint64(k[len(journalPrefix):], seq)
	return k
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type PebbleJournal struct {
	mu  sync.Mutex
	db  *pebble.DB
	seq uint64
}

func NewPebbleJournal(path string) (*PebbleJournal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	j := &PebbleJournal{db: db}
	if err := j.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// loadSeq resumes numbering after the last stored entry so a reopened
// journal appends instead of overwriting.
func (j *PebbleJournal) loadSeq() error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: journalPrefix,
		UpperBound: keyUpperBound(journalPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() {
		j.seq = binary.BigEndian.Uint64(iter.Key()[len(journalPrefix):])
	}
	return nil
}

func (j *PebbleJournal) Close() error { return j.db.Close() }

func (j *PebbleJournal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	e.Seq = j.seq
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	if err := j.db.Set(kEntry(e.Seq), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save journal entry: %w", err)
	}
	return nil
}

func (j *PebbleJournal) Recent(limit int) ([]Entry, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: journalPrefix,
		UpperBound: keyUpperBound(journalPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, e)
	}
	return out, nil
}

var _ Journal = (*PebbleJournal)(nil)
