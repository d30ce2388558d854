package errors

import "testing"

func TestWrap(t *testing.T) {
	err := Wrap(errWrapped, "Hello, Wrapped!")
	if err.Error() != "Hello, Wrapped!, err: wrapped error" {
		t.Fatalf("error mismatch: %+v", err)
	}
	if !Is(err, errWrapped) {
		t.Fatalf("wrapped error lost its cause: %+v", err)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "ignored"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := Wrapf(nil, "ignored %d", 1); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(errWrapped, "send to sink %d", 7)
	if err.Error() != "send to sink 7, err: wrapped error" {
		t.Fatalf("error mismatch: %+v", err)
	}
}

func TestJoin(t *testing.T) {
	other := New("other")
	err := Join(Wrap(errWrapped, "stop og"), nil, other)
	if !Is(err, errWrapped) || !Is(err, other) {
		t.Fatalf("joined error lost a cause: %+v", err)
	}
	if Join(nil, nil) != nil {
		t.Fatal("join of nils should be nil")
	}
}
