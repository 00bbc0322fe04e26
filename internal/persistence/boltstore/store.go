// SPDX-License-Identifier: Apache-2.0

// Package boltstore is a single-file run store for local use and single-node
// deployments that do not run the registration worker.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Layout: automl_runs/<name>/<seq big-endian> = JSON run record. Keys come
// from NextSequence and are never rewritten.
var runsBucket = []byte("automl_runs")

type RunStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*RunStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &RunStore{db: db, logger: logger}, nil
}

func (s *RunStore) Close() error {
	return s.db.Close()
}

func (s *RunStore) Append(ctx context.Context, record domain.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.Name == "" {
		return errors.New("run record name is required")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		byName, err := tx.Bucket(runsBucket).CreateBucketIfNotExists([]byte(record.Name))
		if err != nil {
			return err
		}

		seq, err := byName.NextSequence()
		if err != nil {
			return err
		}
		record.Seq = int64(seq)

		enc, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return byName.Put(seqKey(seq), enc)
	})
	if err != nil {
		s.logger.Error("append run record failed",
			"run_name", record.Name,
			"record_id", record.ID,
			"error", err,
		)
		return err
	}

	return nil
}

// QueryByName returns records under name, most recent first. Fields the
// record type does not know are ignored.
func (s *RunStore) QueryByName(ctx context.Context, name string) ([]domain.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.RunRecord, 0, 4)
	err := s.db.View(func(tx *bolt.Tx) error {
		byName := tx.Bucket(runsBucket).Bucket([]byte(name))
		if byName == nil {
			return nil
		}
		return byName.ForEach(func(k, v []byte) error {
			var rec domain.RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode run record %s/%x: %w", name, k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		s.logger.Error("query run records failed", "run_name", name, "error", err)
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})

	return out, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
