package backend

import (
	"testing"
	"time"
)

func day(d int) time.Time {
	return time.Date(2025, 10, d, 0, 0, 0, 0, time.UTC)
}

// TestTimeRangeShards verifies day-sharding: sub-day ranges stay whole,
// multi-day ranges split on 24h boundaries with a short tail shard.
func TestTimeRangeShards(t *testing.T) {
	single := TimeRange{Start: day(1), End: day(2)}
	if got := single.Shards(); len(got) != 1 {
		t.Fatalf("24h range should be one shard, got %d", len(got))
	}

	all := TimeRange{All: true}
	if got := all.Shards(); len(got) != 1 || !got[0].All {
		t.Fatalf("all-data range should be one all shard, got %+v", got)
	}

	multi := TimeRange{Start: day(1), End: day(4).Add(6 * time.Hour)}
	shards := multi.Shards()
	if len(shards) != 4 {
		t.Fatalf("expected 4 shards, got %d", len(shards))
	}
	if !shards[0].Start.Equal(day(1)) || !shards[0].End.Equal(day(2)) {
		t.Errorf("first shard wrong: %+v", shards[0])
	}
	if !shards[3].Start.Equal(day(4)) || !shards[3].End.Equal(day(4).Add(6*time.Hour)) {
		t.Errorf("tail shard should stop at range end: %+v", shards[3])
	}
	// Shards must tile the range with no gaps.
	for i := 1; i < len(shards); i++ {
		if !shards[i].Start.Equal(shards[i-1].End) {
			t.Errorf("gap between shard %d and %d", i-1, i)
		}
	}
}

// TestSelect verifies backend auto-selection: cloud profile wins when its
// credentials are present, local profile is the fallback, and explicit
// selectors override.
func TestSelect(t *testing.T) {
	both := Config{
		ArizeAPIKey:     "k",
		ArizeSpaceKey:   "sp",
		PhoenixEndpoint: "http://localhost:6006",
	}

	store, err := Select(both, "")
	if err != nil {
		t.Fatalf("Select(auto) failed: %v", err)
	}
	if store.Name() != "arize" {
		t.Errorf("auto-select with cloud creds should pick arize, got %s", store.Name())
	}

	local := Config{PhoenixEndpoint: "http://localhost:6006"}
	store, err = Select(local, "auto")
	if err != nil {
		t.Fatalf("Select(auto) failed: %v", err)
	}
	if store.Name() != "phoenix" {
		t.Errorf("auto-select without cloud creds should pick phoenix, got %s", store.Name())
	}

	store, err = Select(both, "phoenix")
	if err != nil {
		t.Fatalf("Select(phoenix) failed: %v", err)
	}
	if store.Name() != "phoenix" {
		t.Errorf("explicit selector ignored, got %s", store.Name())
	}

	if _, err := Select(local, "arize"); err == nil {
		t.Error("forcing arize without credentials should fail")
	}
	if _, err := Select(both, "jaeger"); err == nil {
		t.Error("unknown selector should fail")
	}
}
