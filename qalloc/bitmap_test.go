package qalloc

import "testing"

func TestBitmapSetClearTest(t *testing.T) {
	bm := newBitmap(make([]byte, 2), 16)
	if bm.test(5) {
		t.Fatalf("bit 5 should start clear")
	}
	bm.set(5)
	if !bm.test(5) {
		t.Fatalf("bit 5 should be set after set(5)")
	}
	bm.clear(5)
	if bm.test(5) {
		t.Fatalf("bit 5 should be clear after clear(5)")
	}
}

func TestBitmapFirstFitEmpty(t *testing.T) {
	bm := newBitmap(make([]byte, 4), 32)
	if got := bm.firstFit(1); got != 0 {
		t.Fatalf("firstFit(1) on empty bitmap = %d, want 0", got)
	}
	if got := bm.firstFit(32); got != 0 {
		t.Fatalf("firstFit(32) on fully-clear bitmap = %d, want 0", got)
	}
	if got := bm.firstFit(33); got != -1 {
		t.Fatalf("firstFit(33) should fail when n=32, got %d", got)
	}
}

func TestBitmapFirstFitSkipsOccupied(t *testing.T) {
	bm := newBitmap(make([]byte, 2), 16)
	bm.setRange(0, 5) // bits 0..4 occupied
	got := bm.firstFit(3)
	if got != 5 {
		t.Fatalf("firstFit(3) = %d, want 5", got)
	}
}

func TestBitmapFirstFitSpansByteBoundary(t *testing.T) {
	bm := newBitmap(make([]byte, 2), 16)
	bm.setRange(0, 6) // occupy bits 0..5, leaving 6,7,8,9,... free
	got := bm.firstFit(4)
	if got != 6 {
		t.Fatalf("firstFit(4) spanning a byte boundary = %d, want 6", got)
	}
}

func TestBitmapFirstFitNoRoom(t *testing.T) {
	bm := newBitmap(make([]byte, 1), 8)
	bm.setRange(0, 8)
	if got := bm.firstFit(1); got != -1 {
		t.Fatalf("firstFit(1) on a full bitmap = %d, want -1", got)
	}
}

func TestBitmapClearRangeReopensRun(t *testing.T) {
	bm := newBitmap(make([]byte, 2), 16)
	bm.setRange(0, 16)
	bm.clearRange(4, 3)
	if got := bm.firstFit(3); got != 4 {
		t.Fatalf("firstFit(3) after clearRange(4,3) = %d, want 4", got)
	}
}
