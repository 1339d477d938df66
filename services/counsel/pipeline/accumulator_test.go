// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func newHeapAccumulator() *heapAccumulator {
	return &heapAccumulator{
		data:   make([]byte, 0, accumulatorBufferSize),
		hasher: sha256.New(),
	}
}

func TestAccumulatorAssemblesChunks(t *testing.T) {
	acc := newHeapAccumulator()
	chunks := []string{"The ", "limitation ", "period ", "is ", "five ", "years."}
	for _, c := range chunks {
		if err := acc.Write(c); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	answer, digest, err := acc.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	want := strings.Join(chunks, "")
	if answer != want {
		t.Errorf("answer %q != %q", answer, want)
	}
	sum := sha256.Sum256([]byte(want))
	if digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest mismatch: %s", digest)
	}
}

func TestAccumulatorOverflow(t *testing.T) {
	acc := newHeapAccumulator()
	big := strings.Repeat("a", accumulatorBufferSize)
	if err := acc.Write(big); err != nil {
		t.Fatalf("write at capacity: %v", err)
	}
	if err := acc.Write("x"); err == nil {
		t.Fatal("expected overflow error")
	}
	// Overflow is sticky: finalize must refuse the partial content.
	if _, _, err := acc.Finalize(); err == nil {
		t.Fatal("finalize succeeded after overflow")
	}
}

func TestAccumulatorDestroyIsIdempotent(t *testing.T) {
	acc := newHeapAccumulator()
	if err := acc.Write("secret"); err != nil {
		t.Fatal(err)
	}
	acc.Destroy()
	acc.Destroy()
	if err := acc.Write("more"); err == nil {
		t.Error("write succeeded after destroy")
	}
	if _, _, err := acc.Finalize(); err == nil {
		t.Error("finalize succeeded after destroy")
	}
}

func TestAccumulatorFinalizeWipes(t *testing.T) {
	acc := newHeapAccumulator()
	if err := acc.Write("privileged advice"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := acc.Finalize(); err != nil {
		t.Fatal(err)
	}
	if acc.data != nil {
		t.Error("buffer retained after finalize")
	}
	if err := acc.Write("again"); err == nil {
		t.Error("write succeeded after finalize")
	}
}
