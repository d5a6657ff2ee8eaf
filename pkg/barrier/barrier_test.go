// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package barrier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestReleaseTogether(t *testing.T) {
	const parties = 8
	var (
		arrived atomic.Int32
		leaders atomic.Int32
		actions atomic.Int32
	)
	b := New(parties, func() error {
		if got := arrived.Load(); got != parties {
			t.Errorf("action ran with %d arrivals, want %d", got, parties)
		}
		actions.Add(1)
		return nil
	})

	var g errgroup.Group
	for i := 0; i < parties; i++ {
		g.Go(func() error {
			arrived.Add(1)
			leader, err := b.Wait(context.Background())
			if leader {
				leaders.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if leaders.Load() != 1 || actions.Load() != 1 {
		t.Errorf("got %d leaders and %d actions, want 1 each", leaders.Load(), actions.Load())
	}
}

func TestReuse(t *testing.T) {
	const (
		parties = 4
		rounds  = 50
	)
	var actions atomic.Int32
	b := New(parties, func() error {
		actions.Add(1)
		return nil
	})
	var g errgroup.Group
	for i := 0; i < parties; i++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				if _, err := b.Wait(context.Background()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := actions.Load(); got != rounds {
		t.Errorf("action ran %d times, want %d", got, rounds)
	}
}

func TestCancelBreaks(t *testing.T) {
	b := New(3, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Wait(context.Background())
		errc <- err
	}()
	for b.Waiting() != 1 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait with expired context = %v, want %v", err, context.DeadlineExceeded)
	}
	if err := <-errc; !errors.Is(err, ErrBroken) {
		t.Errorf("other party got %v, want %v", err, ErrBroken)
	}
	if !b.Broken() {
		t.Errorf("Broken() = false after cancellation")
	}
	if _, err := b.Wait(context.Background()); !errors.Is(err, ErrBroken) {
		t.Errorf("Wait on broken barrier = %v, want %v", err, ErrBroken)
	}

	b.Reset()
	if b.Broken() {
		t.Errorf("Broken() = true after Reset")
	}
}

func TestActionError(t *testing.T) {
	want := errors.New("setup failed")
	b := New(2, func() error { return want })

	errc := make(chan error, 1)
	go func() {
		_, err := b.Wait(context.Background())
		errc <- err
	}()
	for b.Waiting() != 1 {
		time.Sleep(time.Millisecond)
	}
	leader, err := b.Wait(context.Background())
	if !leader || err != want {
		t.Errorf("Wait = (%v, %v), want (true, %v)", leader, err, want)
	}
	if err := <-errc; !errors.Is(err, ErrBroken) {
		t.Errorf("other party got %v, want %v", err, ErrBroken)
	}
}

func TestSingleParty(t *testing.T) {
	b := New(1, nil)
	for i := 0; i < 3; i++ {
		if leader, err := b.Wait(context.Background()); !leader || err != nil {
			t.Fatalf("Wait = (%v, %v), want (true, nil)", leader, err)
		}
	}
}
