package passphrase

import (
	"errors"
	"io"
	"testing"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("INCENTIVESCTL_TEST_SECRET", "from-env")
	src := NewSource("INCENTIVESCTL_TEST_SECRET", "signing secret")
	src.interactive = func() bool {
		t.Fatalf("terminal must not be consulted")
		return false
	}
	got, err := src.Get()
	if err != nil || got != "from-env" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("INCENTIVESCTL_TEST_SECRET", "  ")
	if _, err := NewSource("INCENTIVESCTL_TEST_SECRET", "").Get(); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	src := NewSource("", "signing secret")
	src.out = io.Discard
	src.interactive = func() bool { return true }
	calls := 0
	src.readSecret = func() ([]byte, error) {
		calls++
		return []byte("typed"), nil
	}
	for i := 0; i < 2; i++ {
		got, err := src.Get()
		if err != nil || got != "typed" {
			t.Fatalf("Get() = %q, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("prompted %d times", calls)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	src := NewSource("", "signing secret")
	src.interactive = func() bool { return false }
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected error without terminal")
	}

	src = NewSource("", "signing secret")
	src.out = io.Discard
	src.interactive = func() bool { return true }
	src.readSecret = func() ([]byte, error) { return nil, errors.New("tty closed") }
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected read error")
	}
}
