package dedup

import (
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/MikeSquared-Agency/herald/internal/ingest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func items(pairs ...string) []ingest.Item {
	var out []ingest.Item
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, ingest.Item{ID: pairs[i], Content: pairs[i+1]})
	}
	return out
}

func ids(its []ingest.Item) []string {
	var out []string
	for _, it := range its {
		out = append(out, it.ID)
	}
	return out
}

func TestUnique_DuplicateIDAndContent(t *testing.T) {
	src := items(
		"1", "Fed cuts rates",
		"2", "Oil jumps 5%",
		"1", "different content same id",
		"3", "  fed   CUTS rates ", // same content after normalization
		"", "Gold hits record",
		"", "gold hits record",
		"4", "Chip demand surges",
	)

	d := New(Options{}, discardLogger())
	got := d.Collect(slices.Values(src))

	want := []string{"1", "2", "", "4"}
	if !slices.Equal(ids(got), want) {
		t.Fatalf("got ids %v, want %v", ids(got), want)
	}

	st := d.Stats()
	if st.Scanned != 7 {
		t.Errorf("expected 7 scanned, got %d", st.Scanned)
	}
	if st.Duplicates != 3 {
		t.Errorf("expected 3 duplicates, got %d", st.Duplicates)
	}
	if st.Unique+st.Duplicates != st.Scanned {
		t.Errorf("unique %d + duplicates %d != scanned %d", st.Unique, st.Duplicates, st.Scanned)
	}
}

func TestUnique_EmptyIDsDoNotCollide(t *testing.T) {
	src := items("", "first story", "", "second story")
	d := New(Options{}, discardLogger())
	got := d.Collect(slices.Values(src))
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
}

func TestUnique_StopsAtLimit(t *testing.T) {
	src := items("1", "a story", "2", "b story", "3", "c story", "4", "d story")
	d := New(Options{Limit: 2}, discardLogger())
	got := d.Collect(slices.Values(src))

	if !slices.Equal(ids(got), []string{"1", "2"}) {
		t.Fatalf("unexpected ids %v", ids(got))
	}
	if st := d.Stats(); st.Scanned != 2 {
		t.Errorf("expected early stop after 2 scanned, got %d", st.Scanned)
	}
}

func TestUnique_ScanAllCountsWholeCorpus(t *testing.T) {
	src := items("1", "a story", "2", "b story", "1", "dup", "3", "c story")
	d := New(Options{Limit: 2, ScanAll: true}, discardLogger())
	got := d.Collect(slices.Values(src))

	if len(got) != 2 {
		t.Fatalf("expected 2 emitted, got %d", len(got))
	}
	st := d.Stats()
	if st.Scanned != 4 || st.Unique != 3 || st.Duplicates != 1 || st.Emitted != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestUnique_ConsumerBreak(t *testing.T) {
	src := items("1", "a story", "2", "b story", "3", "c story")
	d := New(Options{}, discardLogger())
	n := 0
	for range d.Unique(slices.Values(src)) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected 1 iteration, got %d", n)
	}
	if st := d.Stats(); st.Scanned != 1 {
		t.Errorf("expected scanning to stop with the consumer, got %d scanned", st.Scanned)
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint("Hello  World") != Fingerprint(" hello world\n") {
		t.Error("expected whitespace and case insensitive fingerprint")
	}
	if Fingerprint("hello world") == Fingerprint("hello there") {
		t.Error("expected different fingerprints for different content")
	}
}
