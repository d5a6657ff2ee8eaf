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

package cleanup

import (
	"reflect"
	"testing"
)

// openSteps mimics a constructor that acquires a lock, memory and a queue and
// fails after the step named by failAt. It returns the undo log.
func openSteps(failAt string, release bool) (undone []string, later func()) {
	cu := Make(func() { undone = append(undone, "unlock") })
	defer cu.Clean()
	for _, step := range []string{"memory", "queue"} {
		if step == failAt {
			return undone, nil
		}
		cu.Add(func() { undone = append(undone, "free "+step) })
	}
	if release {
		return undone, cu.Release()
	}
	return undone, nil
}

func TestCleanOrder(t *testing.T) {
	for _, tc := range []struct {
		failAt string
		want   []string
	}{
		{"memory", []string{"unlock"}},
		{"queue", []string{"free memory", "unlock"}},
		{"", []string{"free queue", "free memory", "unlock"}},
	} {
		var undone []string
		func() {
			cu := Make(func() { undone = append(undone, "unlock") })
			defer cu.Clean()
			for _, step := range []string{"memory", "queue"} {
				if step == tc.failAt {
					return
				}
				cu.Add(func() { undone = append(undone, "free "+step) })
			}
		}()
		if !reflect.DeepEqual(undone, tc.want) {
			t.Errorf("failing at %q: undo got %q, want %q", tc.failAt, undone, tc.want)
		}
	}
}

func TestRelease(t *testing.T) {
	undone, later := openSteps("", true)
	if len(undone) != 0 {
		t.Fatalf("undo ran after Release: %q", undone)
	}
	if later == nil {
		t.Fatalf("Release returned nil")
	}
	undone, _ = openSteps("queue", false)
	if want := []string{"free memory", "unlock"}; !reflect.DeepEqual(undone, want) {
		t.Errorf("undo without Release: got %q, want %q", undone, want)
	}
}

func TestReleasedFuncRunsEverything(t *testing.T) {
	var undone []string
	cu := Make(func() { undone = append(undone, "destroy vm") })
	cu.Add(func() { undone = append(undone, "close buffer") })
	later := cu.Release()
	cu.Clean()
	if len(undone) != 0 {
		t.Fatalf("Clean after Release ran %q", undone)
	}
	later()
	if want := []string{"close buffer", "destroy vm"}; !reflect.DeepEqual(undone, want) {
		t.Errorf("released cleaners: got %q, want %q", undone, want)
	}
}

func TestZeroValue(t *testing.T) {
	var cu Cleanup
	cu.Clean()
	n := 0
	cu.Add(func() { n++ })
	cu.Clean()
	cu.Clean()
	if n != 1 {
		t.Errorf("cleaner ran %d times, want 1", n)
	}
}
