package db

import (
	"context"
	"errors"
	"testing"
)

func TestNopTxRunner_PropagatesError(t *testing.T) {
	want := errors.New("insert allergies failed")
	err := NopTxRunner{}.RunInTx(context.Background(), func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestNopTxRunner_CallsFn(t *testing.T) {
	called := false
	err := NopTxRunner{}.RunInTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fn to be called")
	}
}
