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
	"context"
	"errors"
	"testing"
	"time"
)

func TestRingWriteReadFIFO(t *testing.T) {
	r := NewRing(2)
	ctx := context.Background()
	m1 := &Message{Header: MessageHeader{SequenceNumber: 1}}
	m2 := &Message{Header: MessageHeader{SequenceNumber: 2}}

	if err := r.Write(ctx, m1, false); err != nil {
		t.Fatalf("Write(m1): %v", err)
	}
	if err := r.Write(ctx, m2, false); err != nil {
		t.Fatalf("Write(m2): %v", err)
	}

	got1, err := r.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got1 != m1 {
		t.Errorf("Read() = %v, want m1", got1)
	}
	got2, err := r.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got2 != m2 {
		t.Errorf("Read() = %v, want m2", got2)
	}
}

func TestRingNonBlockingWriteRefusesWhenFull(t *testing.T) {
	r := NewRing(1)
	ctx := context.Background()
	if err := r.Write(ctx, &Message{}, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Write(ctx, &Message{}, false); !errors.Is(err, ErrRingFull) {
		t.Fatalf("err = %v, want ErrRingFull", err)
	}
}

func TestRingBlockingWriteWaitsForRoom(t *testing.T) {
	r := NewRing(1)
	ctx := context.Background()
	if err := r.Write(ctx, &Message{}, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Write(ctx, &Message{}, true)
	}()

	select {
	case <-done:
		t.Fatalf("blocking Write returned before room was freed")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := r.Read(ctx); err != nil {
		t.Fatalf("Read: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocking Write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocking Write never unblocked after room was freed")
	}
}

func TestRingCloseDrainsThenReportsClosed(t *testing.T) {
	r := NewRing(2)
	ctx := context.Background()
	if err := r.Write(ctx, &Message{}, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r.Close()

	if err := r.Write(ctx, &Message{}, false); !errors.Is(err, ErrRingClosed) {
		t.Fatalf("Write after close: err = %v, want ErrRingClosed", err)
	}

	if _, err := r.Read(ctx); err != nil {
		t.Fatalf("Read should drain the buffered message first: %v", err)
	}
	if _, err := r.Read(ctx); !errors.Is(err, ErrRingClosed) {
		t.Fatalf("Read after drain: err = %v, want ErrRingClosed", err)
	}
}

func TestRingReadRespectsContextCancellation(t *testing.T) {
	r := NewRing(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := r.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}
