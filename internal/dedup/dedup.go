package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"iter"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/herald/internal/ingest"
)

// progressEvery controls how often scan progress is logged.
const progressEvery = 1000

// Options controls how far the deduplicator reads its source.
type Options struct {
	// Limit is the number of unique items to emit. Zero or less means no limit.
	Limit int
	// ScanAll keeps reading after Limit is reached so the counters cover the
	// whole corpus. Emission still stops at Limit.
	ScanAll bool
}

// Stats holds the deduplication counters.
type Stats struct {
	Scanned    int `json:"scanned"`
	Unique     int `json:"unique"`
	Duplicates int `json:"duplicates"`
	Emitted    int `json:"emitted"`
}

// Deduplicator filters an item stream down to first occurrences. Two items
// are duplicates when their non-empty IDs match or their content
// fingerprints match. A Deduplicator is not safe for concurrent use.
type Deduplicator struct {
	opts   Options
	logger *slog.Logger

	ids    map[string]struct{}
	hashes map[string]struct{}
	stats  Stats
}

// New creates a deduplicator.
func New(opts Options, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		opts:   opts,
		logger: logger,
		ids:    make(map[string]struct{}),
		hashes: make(map[string]struct{}),
	}
}

// Fingerprint hashes content after trimming, collapsing whitespace and
// lower-casing, so cosmetic differences do not defeat deduplication.
func Fingerprint(content string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Seen reports whether it duplicates an earlier item, and records it if not.
func (d *Deduplicator) Seen(it ingest.Item) bool {
	d.stats.Scanned++

	fp := Fingerprint(it.Content)
	_, idSeen := d.ids[it.ID]
	_, fpSeen := d.hashes[fp]
	if (it.ID != "" && idSeen) || fpSeen {
		d.stats.Duplicates++
		return true
	}

	if it.ID != "" {
		d.ids[it.ID] = struct{}{}
	}
	d.hashes[fp] = struct{}{}
	d.stats.Unique++
	return false
}

// Unique yields the first occurrence of every item in src, up to the limit.
func (d *Deduplicator) Unique(src iter.Seq[ingest.Item]) iter.Seq[ingest.Item] {
	return func(yield func(ingest.Item) bool) {
		consumerDone := false
		for it := range src {
			if d.Seen(it) {
				d.logProgress()
				continue
			}
			d.logProgress()

			if consumerDone || d.full() {
				if d.opts.ScanAll {
					continue
				}
				return
			}

			d.stats.Emitted++
			if !yield(it) {
				consumerDone = true
				if !d.opts.ScanAll {
					return
				}
				continue
			}
			if d.full() && !d.opts.ScanAll {
				return
			}
		}
		d.logger.Info("deduplication finished",
			"scanned", d.stats.Scanned,
			"unique", d.stats.Unique,
			"duplicates", d.stats.Duplicates,
			"emitted", d.stats.Emitted,
		)
	}
}

// Collect drains Unique into a slice.
func (d *Deduplicator) Collect(src iter.Seq[ingest.Item]) []ingest.Item {
	var out []ingest.Item
	for it := range d.Unique(src) {
		out = append(out, it)
	}
	return out
}

// Stats returns the counters accumulated so far.
func (d *Deduplicator) Stats() Stats {
	return d.stats
}

func (d *Deduplicator) full() bool {
	return d.opts.Limit > 0 && d.stats.Emitted >= d.opts.Limit
}

func (d *Deduplicator) logProgress() {
	if d.stats.Scanned%progressEvery == 0 {
		d.logger.Info("dedup progress", "scanned", d.stats.Scanned, "unique", d.stats.Unique)
	}
}
