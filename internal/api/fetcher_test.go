package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFetchLatestSupersedesOlderFetch(t *testing.T) {
	f := NewFetcher(nil)
	started := make(chan struct{})
	var applied []string

	oldDone := make(chan error, 1)
	go func() {
		_, err := fetchLatest(context.Background(), f, "tasks", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "old", ctx.Err()
		}, func(v string) { applied = append(applied, v) })
		oldDone <- err
	}()
	<-started

	got, err := fetchLatest(context.Background(), f, "tasks", func(ctx context.Context) (string, error) {
		return "new", nil
	}, func(v string) { applied = append(applied, v) })
	if err != nil || got != "new" {
		t.Fatalf("newer fetch = %q, %v", got, err)
	}

	select {
	case err := <-oldDone:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("older fetch error = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("older fetch was not cancelled")
	}
	if len(applied) != 1 || applied[0] != "new" {
		t.Fatalf("applied = %v, want [new]", applied)
	}
}

func TestFetchLatestIgnoresLateSuccess(t *testing.T) {
	f := NewFetcher(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	oldDone := make(chan error, 1)
	go func() {
		_, err := fetchLatest(context.Background(), f, "k", func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		}, func(int) { t.Errorf("superseded result applied") })
		oldDone <- err
	}()
	<-started

	if _, err := fetchLatest(context.Background(), f, "k", func(ctx context.Context) (int, error) {
		return 2, nil
	}, nil); err != nil {
		t.Fatalf("newer fetch error = %v", err)
	}
	close(release)
	if err := <-oldDone; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("older fetch error = %v, want ErrSuperseded", err)
	}
}

func TestFetchKeysAreIndependent(t *testing.T) {
	f := NewFetcher(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := fetchLatest(context.Background(), f, "agent:1", func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, ctx.Err()
		}, nil)
		done <- err
	}()
	<-started
	if _, err := fetchLatest(context.Background(), f, "agent:2", func(context.Context) (int, error) { return 2, nil }, nil); err != nil {
		t.Fatalf("other key error = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first key error = %v, want nil", err)
	}
}

func TestCancelSupersedesInFlight(t *testing.T) {
	f := NewFetcher(nil)
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := fetchLatest(context.Background(), f, "k", func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		}, nil)
		done <- err
	}()
	<-started
	f.Cancel("k")
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("cancelled fetch error = %v, want ErrSuperseded", err)
	}
}
