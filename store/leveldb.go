// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

package store

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/farmhand-labs/go-farmhand/core"
)

// positionPrefix namespaces position records so the same database can later
// hold execution history alongside them.
var positionPrefix = []byte("position-")

// LevelDB is the durable Store, one record per position as JSON under a
// prefixed key. A single agent process owns the database; goleveldb's file
// lock enforces that.
type LevelDB struct {
	db   *leveldb.DB
	path string
}

// OpenLevelDB opens (creating if missing) the position database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 16,
		BlockCacheCapacity:     2 * opt.MiB,
		WriteBuffer:            2 * opt.MiB,
	})
	if errors.IsCorrupted(err) {
		log.Warn("Position database corrupted, attempting recovery", "path", path)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open position store %s: %w", path, err)
	}
	log.Info("Opened position store", "path", path)
	return &LevelDB{db: db, path: path}, nil
}

func positionKey(id string) []byte {
	return append(append([]byte{}, positionPrefix...), id...)
}

func (s *LevelDB) Positions() ([]core.Position, error) {
	var out []core.Position
	it := s.db.NewIterator(util.BytesPrefix(positionPrefix), nil)
	defer it.Release()
	for it.Next() {
		var p core.Position
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			// One corrupt record should not take the agent down; skip it
			// loudly and let reconciliation rewrite it.
			log.Error("Skipping undecodable position record", "key", string(it.Key()), "err", err)
			continue
		}
		out = append(out, p)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	// Iterator order is key order, which is id order under one prefix.
	return out, nil
}

func (s *LevelDB) Get(id string) (*core.Position, error) {
	raw, err := s.db.Get(positionKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	var p core.Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", id, err)
	}
	return &p, nil
}

func (s *LevelDB) Upsert(p core.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", p.ID(), err)
	}
	if err := s.db.Put(positionKey(p.ID()), raw, nil); err != nil {
		return fmt.Errorf("put position %s: %w", p.ID(), err)
	}
	return nil
}

func (s *LevelDB) ClosePosition(id string) error {
	has, err := s.db.Has(positionKey(id), nil)
	if err != nil {
		return fmt.Errorf("check position %s: %w", id, err)
	}
	if !has {
		return ErrNotFound
	}
	if err := s.db.Delete(positionKey(id), nil); err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	log.Debug("Closed position", "id", id)
	return nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}
