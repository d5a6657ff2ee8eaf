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

package fence

import (
	"fmt"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
)

// Kind is the kind of a sync object.
type Kind int

// Sync object kinds.
const (
	KindBinary Kind = iota
	KindUserFence
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindUserFence:
		return "user-fence"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sync attaches a fence to a submission, either as a dependency that must
// signal before the submission runs (Signal == false) or as a target that
// the submission signals when it completes (Signal == true).
type Sync struct {
	Kind   Kind
	Signal bool

	// Fence is set for KindBinary.
	Fence *Fence

	// User is set for KindUserFence.
	User *UserFence

	// TimelineValue is the value a user fence is waited for or written
	// with. It is ignored for binary fences.
	TimelineValue uint64
}

// WaitFence returns a dependency on f.
func WaitFence(f *Fence) Sync {
	return Sync{Kind: KindBinary, Fence: f}
}

// SignalFence returns a signal target of f.
func SignalFence(f *Fence) Sync {
	return Sync{Kind: KindBinary, Signal: true, Fence: f}
}

// WaitUser returns a dependency on u reaching value.
func WaitUser(u *UserFence, value uint64) Sync {
	return Sync{Kind: KindUserFence, User: u, TimelineValue: value}
}

// SignalUser returns a target that writes value to u on success.
func SignalUser(u *UserFence, value uint64) Sync {
	return Sync{Kind: KindUserFence, Signal: true, User: u, TimelineValue: value}
}

// Validate checks that s is well formed.
func (s Sync) Validate() error {
	switch s.Kind {
	case KindBinary:
		if s.Fence == nil || s.User != nil {
			return gpuerr.EINVAL
		}
	case KindUserFence:
		if s.User == nil || s.Fence != nil {
			return gpuerr.EINVAL
		}
	default:
		return gpuerr.EINVAL
	}
	return nil
}

// String implements fmt.Stringer.String.
func (s Sync) String() string {
	dir := "wait"
	if s.Signal {
		dir = "signal"
	}
	return fmt.Sprintf("%s %s value=%#x", dir, s.Kind, s.TimelineValue)
}

// Split validates syncs and separates dependencies from signal targets.
func Split(syncs []Sync) (waits []Waiter, signals []Sync, err error) {
	for _, s := range syncs {
		if err := s.Validate(); err != nil {
			return nil, nil, err
		}
		if s.Signal {
			signals = append(signals, s)
			continue
		}
		switch s.Kind {
		case KindBinary:
			waits = append(waits, s.Fence)
		case KindUserFence:
			waits = append(waits, s.User.Waiter(s.TimelineValue))
		}
	}
	return waits, signals, nil
}

// SignalAll completes every signal target with err. Binary fences carry err;
// user fences are only written on success, as the location has no room for
// an error.
func SignalAll(signals []Sync, err error) {
	for _, s := range signals {
		switch s.Kind {
		case KindBinary:
			s.Fence.Signal(err)
		case KindUserFence:
			if err == nil {
				s.User.Store(s.TimelineValue)
			}
		}
	}
}

// HasBinarySignal returns true if any signal target is a binary fence.
func HasBinarySignal(signals []Sync) bool {
	for _, s := range signals {
		if s.Kind == KindBinary {
			return true
		}
	}
	return false
}
