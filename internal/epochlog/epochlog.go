// Package epochlog durably records each epoch's storage roster. The log is
// the source of truth the join protocol compares incoming rosters against,
// and the quorum check (storage ∪ leave == epoch_log[epoch]) reads straight
// out of it.
package epochlog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/ridgestore/ridgestore/pkg/wire"
)

// ErrNotFound is returned when an epoch has no recorded entry.
var ErrNotFound = errors.New("epochlog: epoch not found")

const keyPrefix = "epoch/"

// Record is one epoch's durable snapshot: the storage roster at the time
// the epoch was cut, and the wall-clock time it happened.
type Record struct {
	Epoch uint32
	Ctime uint64
	Nodes []wire.NodePair
}

// Log is a badger-backed append-mostly store keyed by epoch number, kept
// in ascending byte order so prefix scans answer "latest epoch" and
// "epochs since N" without a secondary index.
type Log struct {
	db *badger.DB
}

// Open opens (creating if absent) a badger store rooted at dir.
func Open(dir string) (*Log, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true // epoch records must survive a crash immediately after Write
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("epochlog: open %s: %w", dir, err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying badger store.
func (l *Log) Close() error {
	return l.db.Close()
}

func epochKey(epoch uint32) []byte {
	var buf [len(keyPrefix) + 4]byte
	copy(buf[:], keyPrefix)
	binary.BigEndian.PutUint32(buf[len(keyPrefix):], epoch)
	return buf[:]
}

// Write durably records rec, overwriting any existing entry for its epoch.
func (l *Log) Write(rec Record) error {
	val, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(epochKey(rec.Epoch), val)
	})
}

// Read returns the recorded roster for epoch, or ErrNotFound.
func (l *Log) Read(epoch uint32) (Record, error) {
	var rec Record
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(epochKey(epoch))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			r, decErr := decodeRecord(v)
			if decErr != nil {
				return decErr
			}
			rec = r
			return nil
		})
	})
	return rec, err
}

// ReadNr is a convenience for callers (mirroring group.c's
// epoch_log_read_nr) that only need the roster size, not its contents.
func (l *Log) ReadNr(epoch uint32) (int, error) {
	rec, err := l.Read(epoch)
	if err != nil {
		return 0, err
	}
	return len(rec.Nodes), nil
}

// Latest returns the highest epoch number recorded, or 0 if the log is
// empty.
func (l *Log) Latest() (uint32, error) {
	var latest uint32
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the last possible
		// epoch key in the prefix.
		seek := append([]byte(keyPrefix), 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix([]byte(keyPrefix)) {
			return nil
		}
		key := it.Item().KeyCopy(nil)
		latest = binary.BigEndian.Uint32(key[len(keyPrefix):])
		return nil
	})
	return latest, err
}

// Remove deletes the recorded entry for epoch, mirroring group.c's
// remove_epoch used when reformatting discards history.
func (l *Log) Remove(epoch uint32) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(epochKey(epoch))
	})
}

// RemoveAll deletes every recorded epoch, used when the cluster is
// reformatted from scratch.
func (l *Log) RemoveAll() error {
	latest, err := l.Latest()
	if err != nil {
		return err
	}
	for e := uint32(1); e <= latest; e++ {
		if err := l.Remove(e); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func encodeRecord(rec Record) ([]byte, error) {
	h := wire.Header{ProtoVer: wire.ProtoVersion, Op: wire.OpJoin, State: wire.StateFin}
	buf := wire.EncodeJoin(h, wire.JoinPayload{
		Epoch: rec.Epoch,
		Ctime: rec.Ctime,
		Nodes: rec.Nodes,
	})
	return buf, nil
}

func decodeRecord(b []byte) (Record, error) {
	_, p, err := wire.DecodeJoin(b)
	if err != nil {
		return Record{}, err
	}
	return Record{Epoch: p.Epoch, Ctime: p.Ctime, Nodes: p.Nodes}, nil
}
