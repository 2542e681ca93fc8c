/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"errors"
	"testing"
)

func TestSourceRegistryRegisterIsGetOrCreate(t *testing.T) {
	r := NewSourceRegistry()
	a := r.Register(1, 1)
	b := r.Register(1, 1)
	if a != b {
		t.Fatalf("Register must return the same counters for the same (sourceKey, odid)")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestSourceRegistryGetDoesNotCreate(t *testing.T) {
	r := NewSourceRegistry()
	if _, ok := r.Get(1, 1); ok {
		t.Fatalf("Get must not create an entry")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestSourceRegistryUnregisterDeletes(t *testing.T) {
	r := NewSourceRegistry()
	r.Register(1, 1)
	r.Unregister(1, 1)
	if _, ok := r.Get(1, 1); ok {
		t.Fatalf("counters must be gone after Unregister")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestSourceRegistryAllocateTemplateIdSequential(t *testing.T) {
	r := NewSourceRegistry()
	first, err := r.AllocateTemplateId(1, 1)
	if err != nil {
		t.Fatalf("AllocateTemplateId: %v", err)
	}
	if first != MinDataSetID {
		t.Errorf("first = %d, want %d", first, MinDataSetID)
	}
	second, err := r.AllocateTemplateId(1, 1)
	if err != nil {
		t.Fatalf("AllocateTemplateId: %v", err)
	}
	if second != first+1 {
		t.Errorf("second = %d, want %d", second, first+1)
	}

	// a distinct source starts its own allocation back at MinDataSetID.
	other, err := r.AllocateTemplateId(2, 1)
	if err != nil {
		t.Fatalf("AllocateTemplateId: %v", err)
	}
	if other != MinDataSetID {
		t.Errorf("other source first id = %d, want %d", other, MinDataSetID)
	}
}

func TestSourceRegistryAllocateTemplateIdExhaustion(t *testing.T) {
	r := NewSourceRegistry()
	counters := r.Register(1, 1)
	counters.idMu.Lock()
	counters.nextAssignedId = 0x10000
	counters.idMu.Unlock()

	_, err := r.AllocateTemplateId(1, 1)
	if !errors.Is(err, ErrTemplateIDExhausted) {
		t.Fatalf("err = %v, want ErrTemplateIDExhausted", err)
	}
}
