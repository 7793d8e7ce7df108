package notifier

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func msg(body string) Message {
	return Message{Body: json.RawMessage(`"` + body + `"`)}
}

func TestNotifier_DrainPreservesOrder(t *testing.T) {
	n := New("client-1")
	for _, b := range []string{"m1", "m2", "m3"} {
		if !n.Enqueue(msg(b)) {
			t.Fatalf("enqueue %s failed", b)
		}
	}
	got := n.Drain()
	if len(got) != 3 {
		t.Fatalf("want 3 messages got %d", len(got))
	}
	for i, want := range []string{`"m1"`, `"m2"`, `"m3"`} {
		if string(got[i].Body) != want {
			t.Fatalf("message %d: want %s got %s", i, want, got[i].Body)
		}
		if got[i].ID == "" || got[i].Timestamp.IsZero() {
			t.Fatalf("message %d missing id or timestamp", i)
		}
	}
	if again := n.Drain(); again != nil {
		t.Fatalf("second drain should be empty, got %d", len(again))
	}
}

func TestNotifier_CloseIsIdempotent(t *testing.T) {
	n := New("client-1")
	n.Enqueue(msg("pending"))

	var transitions atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n.Close() {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := transitions.Load(); got != 1 {
		t.Fatalf("want exactly one close transition, got %d", got)
	}
	if !n.Closed() {
		t.Fatalf("notifier should report closed")
	}
	if n.Drain() != nil {
		t.Fatalf("drain after close should return nil")
	}
	if n.Enqueue(msg("late")) {
		t.Fatalf("enqueue after close should be refused")
	}
	if n.Len() != 0 {
		t.Fatalf("closed notifier should hold nothing, len=%d", n.Len())
	}
}

func TestNotifier_WaitWokenByEnqueue(t *testing.T) {
	n := New("client-1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		n.Enqueue(msg("hello"))
	}()
	start := time.Now()
	if r := n.Wait(2*time.Second, nil); r != WokenBySignal {
		t.Fatalf("want signal wake, got %v", r)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait was not woken early")
	}
}

func TestNotifier_WaitTimeout(t *testing.T) {
	n := New("client-1")
	if r := n.Wait(20*time.Millisecond, nil); r != WokenByTimeout {
		t.Fatalf("want timeout, got %v", r)
	}
}

func TestNotifier_WaitStopAndClose(t *testing.T) {
	n := New("client-1")
	stop := make(chan struct{})
	close(stop)
	if r := n.Wait(0, stop); r != WokenByStop {
		t.Fatalf("want stop, got %v", r)
	}

	m := New("client-2")
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Close()
	}()
	if r := m.Wait(0, nil); r != WokenBySignal {
		t.Fatalf("close should wake an unbounded wait, got %v", r)
	}
}

func TestNotifier_LastUse(t *testing.T) {
	n := New("client-1", WithIdleTimeout(time.Minute), WithID("fixed"))
	if n.ID() != "fixed" || n.ClientID() != "client-1" || n.IdleTimeout() != time.Minute {
		t.Fatalf("options not applied: %s %s %s", n.ID(), n.ClientID(), n.IdleTimeout())
	}
	first := n.LastUse()
	time.Sleep(5 * time.Millisecond)
	n.UpdateLastUse()
	if !n.LastUse().After(first) {
		t.Fatalf("last use did not advance")
	}
}
