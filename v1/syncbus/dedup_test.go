package syncbus

import "testing"

func TestDeduper(t *testing.T) {
	d, err := NewDeduper(128, 0)
	if err != nil {
		t.Fatalf("NewDeduper: %v", err)
	}
	defer d.Close()

	if d.Seen("a") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.Seen("a") {
		t.Fatal("second sighting not reported as duplicate")
	}
	if d.Seen("b") {
		t.Fatal("distinct id reported as duplicate")
	}
	if d.Seen("") || d.Seen("") {
		t.Fatal("empty ids must never be duplicates")
	}

	var nilDeduper *Deduper
	if nilDeduper.Seen("a") {
		t.Fatal("nil deduper must not drop events")
	}
}
