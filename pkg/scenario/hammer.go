// Copyright 2023 The gVisor Authors.
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

package scenario

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gpuvm/pkg/barrier"
	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/vm"
)

// hammerSyncEvery is how often the hammer waits for its own batch.
const hammerSyncEvery = 32

// hammer repeatedly executes a store batch through one page, so that any
// transient loss of its translation while other ranges are rebound shows
// up as a fault.
type hammer struct {
	exit   atomic.Bool
	g      *errgroup.Group
	cancel context.CancelFunc

	stopOnce sync.Once
	err      error
}

// startHammer writes a store batch into mem, which the GPU sees at addr, and
// starts executing it on a queue of its own. It returns once the hammer
// runs.
func startHammer(e *Env, v *vm.VM, mem []byte, addr gpuarch.Addr) (*hammer, error) {
	if err := writeRecord(e.dev.Encoder(v), mem, addr); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(e.ctx)
	g, ctx := errgroup.WithContext(ctx)
	h := &hammer{g: g, cancel: cancel}
	b := barrier.New(2, nil)

	g.Go(func() error {
		q, err := e.dev.CreateExecQueue(v, device.EngineCopy)
		if err != nil {
			return fmt.Errorf("hammer queue: %w", err)
		}
		defer e.dev.DestroyExecQueue(q)
		if _, err := b.Wait(ctx); err != nil {
			return err
		}
		for i := 0; !h.exit.Load(); i++ {
			f, err := e.dev.Submit(q, addr)
			if err != nil {
				return fmt.Errorf("hammer batch %d: %w", i, err)
			}
			if i%hammerSyncEvery == 0 {
				if err := f.Wait(ctx, e.timeout); err != nil {
					return fmt.Errorf("hammer batch %d: %w", i, err)
				}
			}
		}
		if err := q.Drain(ctx); err != nil {
			return err
		}
		return q.Err()
	})

	if _, err := b.Wait(ctx); err != nil {
		if herr := h.stop(); herr != nil {
			return nil, herr
		}
		return nil, err
	}
	e.cu.Add(func() { _ = h.stop() })
	return h, nil
}

// stop stops the hammer and returns the first error it hit.
func (h *hammer) stop() error {
	h.stopOnce.Do(func() {
		h.exit.Store(true)
		h.err = h.g.Wait()
		h.cancel()
	})
	return h.err
}
