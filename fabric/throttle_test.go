// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"bytes"
	"context"
	"testing"
)

func TestThrottledWriter_ZeroBypasses(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 0)

	// Quando bytesPerSec=0, deve retornar o writer original (sem wrapper)
	if _, ok := w.(*ThrottledWriter); ok {
		t.Fatal("expected original writer (bypass), got ThrottledWriter")
	}

	data := []byte("hello world")
	n, err := w.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}
}

func TestThrottledWriter_SmallWrites(t *testing.T) {
	var buf bytes.Buffer
	// 1 MB/s: escritas pequenas devem funcionar sem bloquear significativamente
	w := NewThrottledWriter(context.Background(), &buf, 1*1024*1024)

	data := []byte("small")
	for i := 0; i < 10; i++ {
		if _, err := w.Write(data); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if buf.Len() != 50 {
		t.Errorf("expected 50 bytes written, got %d", buf.Len())
	}
}

func TestThrottledWriter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	w := NewThrottledWriter(ctx, &buf, 10) // taxa minúscula força espera

	if _, err := w.Write(bytes.Repeat([]byte{0x1}, 64)); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
