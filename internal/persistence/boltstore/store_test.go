// SPDX-License-Identifier: Apache-2.0

package boltstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "runs.bolt"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runRecord(name string, createdAt time.Time, bestTrial string) domain.RunRecord {
	return domain.RunRecord{
		ID:                    uuid.New(),
		Name:                  name,
		CreatedAt:             createdAt,
		SearchJobID:           "exp-" + bestTrial,
		BestTrialID:           bestTrial,
		ExplorationArtifactID: "nb-1",
		BestTrialArtifactID:   "nb-2",
	}
}

func TestAppendAndQueryOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for _, rec := range []domain.RunRecord{
		runRecord("churn", base, "old"),
		runRecord("churn", base.Add(time.Hour), "newest"),
		runRecord("churn", base.Add(time.Hour), "tie-later"),
		runRecord("other", base.Add(2*time.Hour), "unrelated"),
	} {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.QueryByName(ctx, "churn")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].BestTrialID != "tie-later" || got[1].BestTrialID != "newest" || got[2].BestTrialID != "old" {
		t.Fatalf("unexpected order: %s, %s, %s", got[0].BestTrialID, got[1].BestTrialID, got[2].BestTrialID)
	}
	if got[0].Seq != 3 || got[2].Seq != 1 {
		t.Fatalf("expected per-name sequence numbers, got %d and %d", got[0].Seq, got[2].Seq)
	}
}

func TestQueryUnknownName(t *testing.T) {
	got, err := openTestStore(t).QueryByName(context.Background(), "missing")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}

func TestQueryToleratesExtraFields(t *testing.T) {
	s := openTestStore(t)

	enc, _ := json.Marshal(map[string]any{
		"id":                      uuid.NewString(),
		"seq":                     1,
		"name":                    "churn",
		"created_at":              time.Now().UTC(),
		"best_trial_id":           "run-best",
		"search_job_id":           "exp-1",
		"feature_store_table_v2":  "ml.churn_features",
		"exploration_artifact_id": "nb-1",
	})
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(runsBucket).CreateBucketIfNotExists([]byte("churn"))
		if err != nil {
			return err
		}
		return b.Put(seqKey(1), enc)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.QueryByName(context.Background(), "churn")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].BestTrialID != "run-best" || got[0].BestTrialArtifactID != "" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestAppendRejectsCanceledContextAndEmptyName(t *testing.T) {
	s := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Append(ctx, runRecord("churn", time.Now(), "x")); err == nil {
		t.Fatal("expected canceled context error")
	}
	if err := s.Append(context.Background(), domain.RunRecord{}); err == nil {
		t.Fatal("expected empty name error")
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.bolt")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Append(context.Background(), runRecord("churn", time.Now().UTC(), "kept")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.QueryByName(context.Background(), "churn")
	if err != nil || len(got) != 1 || got[0].BestTrialID != "kept" {
		t.Fatalf("expected record after reopen, got %+v err=%v", got, err)
	}
}
