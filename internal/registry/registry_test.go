package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ggoodman/streampush/notifier"
)

func TestRegistry_AddRemove(t *testing.T) {
	r := New[*notifier.Notifier]()
	a := notifier.New("client-a")
	if err := r.Add(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got, ok := r.Get(a.ID()); !ok || got != a {
		t.Fatalf("get by id failed")
	}
	if got, ok := r.ByClient("client-a"); !ok || got != a {
		t.Fatalf("get by client failed")
	}
	if !r.Remove(a.ID()) {
		t.Fatalf("remove should report true")
	}
	if r.Remove(a.ID()) {
		t.Fatalf("second remove should report false")
	}
	if _, ok := r.ByClient("client-a"); ok {
		t.Fatalf("client index not cleared")
	}
}

func TestRegistry_DuplicateClientRejected(t *testing.T) {
	r := New[*notifier.Notifier]()
	first := notifier.New("client-a")
	if err := r.Add(first); err != nil {
		t.Fatalf("add: %v", err)
	}
	second := notifier.New("client-a")
	if err := r.Add(second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if got, _ := r.ByClient("client-a"); got != first {
		t.Fatalf("existing entry must be left in place")
	}
	if r.Len() != 1 {
		t.Fatalf("want 1 entry got %d", r.Len())
	}
}

func TestRegistry_ConcurrentDuplicates(t *testing.T) {
	r := New[*notifier.Notifier]()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Add(notifier.New("same-client"))
		}()
	}
	wg.Wait()
	close(errs)
	var ok int
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("want exactly one winner, got %d", ok)
	}
}

func TestRegistry_SnapshotAndClear(t *testing.T) {
	r := New[*notifier.Notifier]()
	for i := 0; i < 4; i++ {
		if err := r.Add(notifier.New(fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := len(r.Snapshot()); got != 4 {
		t.Fatalf("snapshot len %d", got)
	}
	cleared := r.Clear()
	if len(cleared) != 4 || r.Len() != 0 {
		t.Fatalf("clear returned %d, left %d", len(cleared), r.Len())
	}
	if err := r.Add(notifier.New("c0")); err != nil {
		t.Fatalf("client index should be reset by clear: %v", err)
	}
}
