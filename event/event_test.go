package event_test

import (
	"fmt"
	"testing"

	"github.com/nasa-jpl/stemsync/event"
)

func ExampleEvent() {
	var changed event.Event[string]
	l := changed.Listen(func(s string) { fmt.Println("changed:", s) })
	changed.Fire("fov_nm")
	l.Close()
	changed.Fire("size")
	// Output: changed: fov_nm
}

func TestListenerCloseTwice(t *testing.T) {
	var e event.Event[int]
	l := e.Listen(func(int) {})
	l.Close()
	l.Close()
	if e.Count() != 0 {
		t.Errorf("expected %v got %v", 0, e.Count())
	}
}

func TestFireOrder(t *testing.T) {
	var (
		e   event.Event[int]
		got []int
	)
	for i := 0; i < 5; i++ {
		i := i
		e.Listen(func(v int) { got = append(got, i*v) })
	}
	e.Fire(2)
	for i, v := range got {
		if v != 2*i {
			t.Errorf("expected %v got %v", 2*i, v)
		}
	}
}

func TestUnsubscribeFromCallback(t *testing.T) {
	var (
		e     event.Event[int]
		calls int
		l     *event.Listener
	)
	l = e.Listen(func(int) {
		calls++
		l.Close()
	})
	e.Fire(1)
	e.Fire(1)
	if calls != 1 {
		t.Errorf("expected %v got %v", 1, calls)
	}
}
