package timersvc

import (
	"testing"
	"time"

	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
)

func TestScheduleFires(t *testing.T) {
	inbox := make(chan message.Envelope, 4)
	r := NewRegistry(1, inbox)

	r.Schedule("q1", 5*time.Millisecond, message.Timeout{QID: "q1"})

	select {
	case env := <-inbox:
		to, ok := env.Body.(message.Timeout)
		if !ok || to.QID != "q1" {
			t.Fatalf("unexpected body: %#v", env.Body)
		}
		if env.From != 1 || env.To != 1 {
			t.Fatalf("expected self-addressed envelope, got %+v", env)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer never fired")
	}

	if got := r.Pending(); got != 0 {
		t.Fatalf("expected 0 pending after fire, got %d", got)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	inbox := make(chan message.Envelope, 4)
	r := NewRegistry(1, inbox)

	r.Schedule("q1", 20*time.Millisecond, message.Timeout{QID: "q1"})
	if !r.Cancel("q1") {
		t.Fatal("expected Cancel to find the armed timer")
	}

	select {
	case env := <-inbox:
		t.Fatalf("cancelled timer must not fire, got %+v", env)
	case <-time.After(60 * time.Millisecond):
	}

	if r.Cancel("q1") {
		t.Fatal("expected second Cancel to be a no-op")
	}
}

func TestScheduleReplacesExisting(t *testing.T) {
	inbox := make(chan message.Envelope, 4)
	r := NewRegistry(1, inbox)

	r.Schedule("q1", 10*time.Millisecond, message.Timeout{QID: "q1"})
	r.Schedule("q1", 50*time.Millisecond, message.Timeout{QID: "q1"})

	select {
	case <-inbox:
		t.Fatal("first timer should have been superseded")
	case <-time.After(25 * time.Millisecond):
	}

	select {
	case <-inbox:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("replacement timer never fired")
	}
}

func TestDetachedCannotBeCancelled(t *testing.T) {
	inbox := make(chan message.Envelope, 4)
	r := NewRegistry(2, inbox)

	r.ScheduleDetached(5*time.Millisecond, message.Recovery{})
	if got := r.Pending(); got != 0 {
		t.Fatalf("detached timers must not count toward Pending, got %d", got)
	}

	select {
	case env := <-inbox:
		if _, ok := env.Body.(message.Recovery); !ok {
			t.Fatalf("expected Recovery, got %#v", env.Body)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("detached timer never fired")
	}
}
