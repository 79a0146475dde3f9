package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("no such table: agents"), false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{fmt.Errorf("commit: %w", errors.New("SQLITE_BUSY")), true},
		{sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
	}
	for _, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.want {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsConstraint(t *testing.T) {
	if !IsConstraint(fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrConstraint})) {
		t.Fatal("wrapped constraint error not detected")
	}
	if IsConstraint(errors.New("UNIQUE constraint failed")) {
		t.Fatal("plain string must not be treated as a driver constraint error")
	}
}

func TestRetryOnBusy_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want nil and 1", err, calls)
	}
}

func TestRetryOnBusy_DoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return errors.New("syntax error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryOnBusy_RecoversAfterBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryOnBusy_GivesUp(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 2, func() error {
		calls++
		return errors.New("database is locked")
	})
	if !isSQLiteBusy(err) {
		t.Fatalf("expected the last busy error, got %v", err)
	}
	// One initial attempt plus two retries.
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestNewRelID_Format(t *testing.T) {
	id := NewRelID(PrefixAgentTask)
	if len(id) != len(PrefixAgentTask)+16 {
		t.Fatalf("id %q has length %d", id, len(id))
	}
	if id[:len(PrefixAgentTask)] != PrefixAgentTask {
		t.Fatalf("id %q missing prefix", id)
	}
	if NewRelID(PrefixAgentTask) == id {
		t.Fatal("ids must be unique")
	}
}
