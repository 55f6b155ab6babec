// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Badger key prefixes. The index is a disposable cache: every key
// below is reconstructable from the durable asset.json records.
const (
	keyAsset    = "asset:" // asset:<id>            -> record JSON
	keyHash     = "hash:"  // hash:<sha256>         -> id
	keyFastHash = "fast:"  // fast:<blake3-window>  -> id
	keyTerm     = "term:"  // term:<token>:<id>     -> weight byte
)

// indexEntry is the stored form of a record. Constraints live in a
// sidecar on disk (excluded from asset.json by the json:"-" tags), but
// the cache must carry them so hash and ID lookups see gating state.
type indexEntry struct {
	AssetRecord
	Constraints        map[string]string `json:"constraints,omitempty"`
	ConstraintsInvalid bool              `json:"constraints_invalid,omitempty"`
}

func marshalEntry(record *AssetRecord) ([]byte, error) {
	return json.Marshal(indexEntry{
		AssetRecord:        *record,
		Constraints:        record.Constraints,
		ConstraintsInvalid: record.ConstraintsInvalid,
	})
}

func unmarshalEntry(val []byte) (*AssetRecord, error) {
	var entry indexEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, err
	}
	record := entry.AssetRecord
	record.Constraints = entry.Constraints
	record.ConstraintsInvalid = entry.ConstraintsInvalid
	return &record, nil
}

// indexPut writes all index entries of one record in one transaction.
func indexPut(db *badger.DB, record *AssetRecord) error {
	data, err := marshalEntry(record)
	if err != nil {
		return fmt.Errorf("marshaling index entry %s: %w", record.ID, err)
	}
	return db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyAsset+record.ID), data); err != nil {
			return err
		}
		if record.Hashes.SHA256 != "" {
			if err := txn.Set([]byte(keyHash+record.Hashes.SHA256), []byte(record.ID)); err != nil {
				return err
			}
		}
		if record.Hashes.Fast != "" {
			if err := txn.Set([]byte(keyFastHash+record.Hashes.Fast), []byte(record.ID)); err != nil {
				return err
			}
		}
		for term, weight := range recordTerms(record) {
			key := []byte(keyTerm + term + ":" + record.ID)
			if err := txn.Set(key, []byte{byte(weight)}); err != nil {
				return err
			}
		}
		return nil
	})
}

// indexDelete removes all index entries of one record.
func indexDelete(db *badger.DB, record *AssetRecord) error {
	return db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(keyAsset + record.ID)); err != nil {
			return err
		}
		if record.Hashes.SHA256 != "" {
			if err := txn.Delete([]byte(keyHash + record.Hashes.SHA256)); err != nil {
				return err
			}
		}
		if record.Hashes.Fast != "" {
			if err := txn.Delete([]byte(keyFastHash + record.Hashes.Fast)); err != nil {
				return err
			}
		}
		for term := range recordTerms(record) {
			if err := txn.Delete([]byte(keyTerm + term + ":" + record.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// indexGet loads one record from the index by ID.
func indexGet(db *badger.DB, id string) (*AssetRecord, error) {
	var record *AssetRecord
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyAsset + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var verr error
			record, verr = unmarshalEntry(val)
			return verr
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("index lookup %s: %w", id, err)
	}
	return record, nil
}

// indexGetByHash resolves a content hash (either kind) to a record.
func indexGetByHash(db *badger.DB, hash string) (*AssetRecord, error) {
	var id string
	err := db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{keyHash, keyFastHash} {
			item, err := txn.Get([]byte(prefix + hash))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				id = string(val)
				return nil
			})
		}
		return badger.ErrKeyNotFound
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: hash %s", ErrRecordNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("hash lookup %s: %w", hash, err)
	}
	return indexGet(db, id)
}

// indexSearch runs a ranked prefix search.
//
// The query is tokenized like record fields; terms OR-combine. Each
// record's score is the sum of the stored field weights of every
// matching (term prefix, record) pair. Ties break by ID for a
// deterministic order.
func indexSearch(db *badger.DB, query string, limit int) ([]SearchResult, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	scores := make(map[string]int)
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		for _, term := range terms {
			it := txn.NewIterator(opts)
			prefix := []byte(keyTerm + term)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				key := string(item.Key())
				// term:<token>:<id> — the id follows the last ':'
				// after the matched token prefix.
				rest := key[len(keyTerm):]
				sep := strings.Index(rest, ":")
				if sep < 0 {
					continue
				}
				id := rest[sep+1:]
				if err := item.Value(func(val []byte) error {
					if len(val) > 0 {
						scores[id] += int(val[0])
					}
					return nil
				}); err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	results := make([]SearchResult, 0, len(ids))
	for _, id := range ids {
		record, err := indexGet(db, id)
		if err != nil {
			continue // entry raced a delete; skip
		}
		results = append(results, SearchResult{Record: record, Score: scores[id]})
	}
	return results, nil
}

// indexList returns every indexed record, sorted by ID.
func indexList(db *badger.DB) ([]*AssetRecord, error) {
	var records []*AssetRecord
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyAsset)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record *AssetRecord
			if err := it.Item().Value(func(val []byte) error {
				var verr error
				record, verr = unmarshalEntry(val)
				return verr
			}); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing index: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// indexClear drops every key. Used before a rebuild.
func indexClear(db *badger.DB) error {
	return db.DropAll()
}
