package fallback

import (
	"errors"
	"testing"
)

var errTest = errors.New("test failure")

func TestChain_FirstProviderWins(t *testing.T) {
	c := NewChain(
		Provider[int]{Name: "primary", Run: func() (int, error) { return 1, nil }},
		Provider[int]{Name: "secondary", Run: func() (int, error) { return 2, nil }},
	)

	res, err := c.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value != 1 {
		t.Fatalf("value = %d, want 1", res.Value)
	}
	if res.Provider != "primary" {
		t.Fatalf("provider = %q, want primary", res.Provider)
	}
}

func TestChain_FallsThroughToNext(t *testing.T) {
	c := NewChain(
		Provider[string]{Name: "rich", Run: func() (string, error) { return "", errTest }},
		Provider[string]{Name: "minimal", Run: func() (string, error) { return "ok", nil }},
	)

	res, err := c.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value != "ok" || res.Provider != "minimal" {
		t.Fatalf("got (%q, %q), want (ok, minimal)", res.Value, res.Provider)
	}
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain(
		Provider[int]{Name: "a", Run: func() (int, error) { return 0, errTest }},
		Provider[int]{Name: "b", Run: func() (int, error) { return 0, errTest }},
	)

	_, err := c.Execute()
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestChain_Empty(t *testing.T) {
	c := NewChain[int]()
	_, err := c.Execute()
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestChain_DoesNotCallLaterProviders(t *testing.T) {
	called := false
	c := NewChain(
		Provider[int]{Name: "first", Run: func() (int, error) { return 7, nil }},
		Provider[int]{Name: "second", Run: func() (int, error) {
			called = true
			return 0, nil
		}},
	)

	if _, err := c.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("second provider was called after first succeeded")
	}
}
