package buildid

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestDefaultVariant(t *testing.T) {
	r := New()
	id := r.Default()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("default id %q is not a UUID: %v", id, err)
	}
	if got := r.Get(""); got != id {
		t.Errorf("Get(\"\") = %q, want default %q", got, id)
	}
	if got := r.Get("RELEASE"); got != id {
		t.Errorf("Get(RELEASE) = %q, want default %q", got, id)
	}
}

func TestPerVariantIDs(t *testing.T) {
	r := New()
	debug := r.Get("Debug")
	if debug == r.Default() {
		t.Error("debug variant shares the release id")
	}
	if got := r.Get("debug"); got != debug {
		t.Errorf("variant lookup is not case-insensitive: %q vs %q", got, debug)
	}
	all := r.All()
	if len(all) != 2 || all["debug"] != debug {
		t.Errorf("All() = %v", all)
	}
}

func TestSingleIDMode(t *testing.T) {
	r := New()
	r.SetPerVariant(false)
	if r.Get("qa") != r.Default() {
		t.Error("single-id mode returned a variant id")
	}
	if _, ok := r.All()["qa"]; ok {
		t.Error("single-id mode recorded a variant")
	}
}

func TestInvalidate(t *testing.T) {
	r := New()
	before := r.Default()
	staging := r.Get("staging")
	r.Invalidate()
	if r.Default() == before {
		t.Error("default id survived Invalidate")
	}
	if r.Get("staging") == staging {
		t.Error("variant id survived Invalidate")
	}
}

func TestConcurrentGet(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Get("beta")
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent lookups disagree: %q vs %q", id, ids[0])
		}
	}
}
