package teach

import (
	"context"
	"errors"
	"testing"

	"github.com/lumora-ai/lumora/pkg/cache/memory"
	"github.com/lumora-ai/lumora/pkg/store"
)

func TestCheckpointer_SaveAndLoad(t *testing.T) {
	hot := memory.NewCheckpointStore()
	durable := memory.NewCheckpointStore()
	ck := NewCheckpointer(hot, durable)
	ctx := context.Background()

	st := &State{SessionID: "s1", Phase: PhaseTeaching, Segment: 2, TotalSegments: 5}
	if err := ck.Save(ctx, st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ck.Flush()

	got, err := ck.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Phase != PhaseTeaching || got.Segment != 2 {
		t.Fatalf("restored state = %+v", got)
	}

	// The async durable write landed too.
	if _, err := durable.LoadCheckpoint(ctx, "s1"); err != nil {
		t.Fatalf("durable tier missing snapshot: %v", err)
	}

	ck.Delete(ctx, "s1")
	if _, err := ck.Load(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Load after Delete: %v, want ErrNotFound", err)
	}
}

func TestCheckpointer_FallsThroughToDurableOnHotOutage(t *testing.T) {
	hot := memory.NewCheckpointStore()
	hot.Err = errors.New("cache down")
	durable := memory.NewCheckpointStore()
	ck := NewCheckpointer(hot, durable)
	ctx := context.Background()

	st := &State{SessionID: "s1", Phase: PhaseWaiting, Segment: 1}
	if err := ck.Save(ctx, st); err != nil {
		t.Fatalf("Save with hot outage: %v", err)
	}
	ck.Flush()

	got, err := ck.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load via durable tier: %v", err)
	}
	if got.Segment != 1 {
		t.Fatalf("restored segment = %d, want 1", got.Segment)
	}
}

func TestCheckpointer_NoTiers(t *testing.T) {
	ck := NewCheckpointer(nil, nil)
	ctx := context.Background()

	if err := ck.Save(ctx, &State{SessionID: "s1"}); err != nil {
		t.Fatalf("Save with no tiers: %v", err)
	}
	if _, err := ck.Load(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Load with no tiers: %v, want ErrNotFound", err)
	}
}

// Release clears the per-session write bookkeeping but keeps both snapshots,
// so a session torn down abnormally can resume without the maps holding an
// entry for every session the process ever ran.
func TestCheckpointer_ReleaseKeepsSnapshot(t *testing.T) {
	hot := memory.NewCheckpointStore()
	durable := memory.NewCheckpointStore()
	ck := NewCheckpointer(hot, durable)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		if err := ck.Save(ctx, &State{SessionID: id, Phase: PhaseTeaching}); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	ck.Flush()

	ck.Release("s1")

	ck.writeMu.Lock()
	_, seqHeld := ck.seq["s1"]
	_, writtenHeld := ck.written["s1"]
	otherSeq := ck.seq["s2"]
	ck.writeMu.Unlock()
	if seqHeld || writtenHeld {
		t.Fatal("released session still tracked")
	}
	if otherSeq == 0 {
		t.Fatal("release of one session clobbered another's tracking")
	}

	// The snapshot survives for resume.
	if _, err := ck.Load(ctx, "s1"); err != nil {
		t.Fatalf("Load after Release: %v", err)
	}
	if _, err := durable.LoadCheckpoint(ctx, "s1"); err != nil {
		t.Fatalf("durable tier lost snapshot: %v", err)
	}
}
