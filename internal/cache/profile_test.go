package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/dustin/go-humanize"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/db"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
)

// Memory profiling: repeated reads and outbox churn must not grow the heap.

const leakThreshold = 5 * 1024 * 1024

func seededRepository(tb testing.TB, predictions int) *Repository {
	tb.Helper()
	store := db.New(filepath.Join(tb.TempDir(), "profile.db"))
	if err := store.Init(context.Background()); err != nil {
		tb.Fatalf("Failed to init store: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })

	repo := NewRepository(store)
	ctx := context.Background()
	for i := 0; i < predictions; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"score":%d,"note":"seeded prediction"}`, i))
		if err := repo.CachePrediction(ctx, fmt.Sprintf("E%03d", i%50), fmt.Sprintf("2026-03-%02d", i%28+1), payload); err != nil {
			tb.Fatalf("Failed to seed prediction: %v", err)
		}
	}
	return repo
}

func heapAlloc() uint64 {
	runtime.GC()
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

func growth(before, after uint64) uint64 {
	if after > before {
		return after - before
	}
	return 0
}

func TestMemoryLeak_IndexReads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping memory profile in short mode")
	}
	repo := seededRepository(t, 1000)
	ctx := context.Background()

	initial := heapAlloc()
	t.Logf("Initial heap: %s", humanize.Bytes(initial))

	const iterations = 1000
	for i := 0; i < iterations; i++ {
		if _, err := repo.GetPredictionsForEntity(ctx, fmt.Sprintf("E%03d", i%50)); err != nil {
			t.Fatalf("GetPredictionsForEntity failed: %v", err)
		}
		if (i+1)%250 == 0 {
			t.Logf("After %d reads: heap %s", i+1, humanize.Bytes(heapAlloc()))
		}
	}

	final := heapAlloc()
	t.Logf("Final heap: %s (growth %s)", humanize.Bytes(final), humanize.Bytes(growth(initial, final)))
	if g := growth(initial, final); g > leakThreshold {
		t.Errorf("Potential memory leak: heap grew by %s", humanize.Bytes(g))
	}
}

func TestMemoryLeak_OutboxChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping memory profile in short mode")
	}
	repo := seededRepository(t, 0)
	ctx := context.Background()
	attachment := make([]byte, 32*1024)

	initial := heapAlloc()
	const iterations = 300
	for i := 0; i < iterations; i++ {
		id, err := repo.QueuePendingAction(ctx, models.ActionData{
			Fields:      map[string]string{"n": fmt.Sprint(i)},
			Attachments: []models.Attachment{{Name: "photo", Data: attachment}},
		})
		if err != nil {
			t.Fatalf("QueuePendingAction failed: %v", err)
		}
		if _, err := repo.UpdateRetryCount(ctx, id); err != nil {
			t.Fatalf("UpdateRetryCount failed: %v", err)
		}
		if err := repo.DeletePendingAction(ctx, id); err != nil {
			t.Fatalf("DeletePendingAction failed: %v", err)
		}
	}

	final := heapAlloc()
	t.Logf("Outbox churn: %d cycles of %s, heap growth %s",
		iterations, humanize.Bytes(uint64(len(attachment))), humanize.Bytes(growth(initial, final)))
	if g := growth(initial, final); g > leakThreshold {
		t.Errorf("Potential memory leak: heap grew by %s", humanize.Bytes(g))
	}

	n, err := repo.PendingCount(ctx)
	if err != nil || n != 0 {
		t.Errorf("Expected empty outbox, got %d (%v)", n, err)
	}
}

func BenchmarkGetPredictionsForEntity(b *testing.B) {
	repo := seededRepository(b, 1000)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := repo.GetPredictionsForEntity(ctx, fmt.Sprintf("E%03d", i%50)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetPendingActions(b *testing.B) {
	repo := seededRepository(b, 0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if _, err := repo.QueuePendingAction(ctx, models.ActionData{
			Fields:      map[string]string{"n": fmt.Sprint(i)},
			Attachments: []models.Attachment{{Name: "photo", Data: make([]byte, 1024)}},
		}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := repo.GetPendingActions(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
