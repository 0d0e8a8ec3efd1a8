package invariant

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type clockState struct {
	Slot  int
	Old   uint32
	Value uint32
}

func failing() (err error) {
	defer Recover(&err)
	Failf(clockState{Slot: 3, Old: 10, Value: 7}, "clock decreased at slot %d", 3)
	return nil
}

// TestFailfPanicsWithDump tests that Failf panics with a Violation carrying the state dump.
func TestFailfPanicsWithDump(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	err := failing()
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("got %v, want *Violation", err)
	}
	if v.Msg != "clock decreased at slot 3" {
		t.Errorf("Msg = %q", v.Msg)
	}
	if !strings.Contains(v.Dump, "Old: (uint32) 10") {
		t.Errorf("Dump does not contain state:\n%s", v.Dump)
	}
	if logs.Len() != 1 {
		t.Fatalf("logged %d entries, want 1", logs.Len())
	}
	if got := logs.All()[0].ContextMap()["msg"]; got != v.Msg {
		t.Errorf("logged msg = %v, want %q", got, v.Msg)
	}
}

// TestCheck tests that Check only fails on false conditions.
func TestCheck(t *testing.T) {
	Check(true, nil, "never")

	defer func() {
		if _, ok := recover().(*Violation); !ok {
			t.Error("Check(false) did not panic with *Violation")
		}
	}()
	Check(false, nil, "always")
}

// TestRecoverPropagatesForeignPanics tests that unrelated panics are not swallowed.
func TestRecoverPropagatesForeignPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("recovered %v, want boom", r)
		}
	}()
	func() (err error) {
		defer Recover(&err)
		panic("boom")
	}()
}
