package transcript

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"
)

// Dedup windows. Catchup replay can legitimately arrive much later than the
// original live delivery of the same utterance, so the catchup window is
// deliberately wider; widening only for catchup keeps legitimately fast
// repeated user utterances from being suppressed during normal conversation.
const (
	LiveWindow    = 15 * time.Second
	CatchupWindow = 30 * time.Second
)

// nearMissThreshold is the Jaro-Winkler similarity above which an admitted
// final is logged as a near-duplicate of a recent record. Diagnostic only;
// admission is never decided by similarity.
const nearMissThreshold = 0.93

// Verdict is the outcome of a [Deduper.Admit] call.
type Verdict struct {
	// Admitted is true when the candidate is new content.
	Admitted bool

	// Signal names the dedup signal that rejected the candidate:
	// "identifier", "last_final", or "window_text". Empty when admitted.
	Signal string

	// Identifier is the candidate's identifier, synthesized when the
	// provider supplied none. Set on admission.
	Identifier string
}

// dedupRecord remembers one admitted final event for duplicate lookups.
// Records are never used for ordering.
type dedupRecord struct {
	identifier  string
	text        string // normalized
	textHash    uint64
	timestampMs int64
	source      Source
}

// lastFinal is the most recent admitted final per role.
type lastFinal struct {
	text        string
	timestampMs int64
}

// Deduper admits or rejects finalized transcript candidates. Partial events
// are display-only and must never be routed through it.
//
// The decision order is fixed, first match wins:
//
//  1. Identifier matches a recorded final for the role within the window.
//  2. Normalized text equals the immediately preceding admitted final for
//     the role, within the window (covers provider double-finalize without
//     an identifier).
//  3. A recorded final for the role has matching normalized text within the
//     window (covers racing live vs. relay delivery of one utterance).
//  4. Admit, record, and reset the last-final pointer for the role.
//
// The window is [LiveWindow] unless either the candidate or the record came
// from catchup replay, in which case [CatchupWindow] applies. Once admitted,
// a record suppresses later matching candidates regardless of their source:
// first admitted wins.
//
// Safe for concurrent use. This is the most safety-critical logic in the
// package: a missed duplicate shows the user two copies of one utterance,
// and a wrong rejection silently loses speech.
type Deduper struct {
	clock Clock

	mu      sync.Mutex
	records map[Role][]dedupRecord
	last    map[Role]lastFinal
}

// NewDeduper creates a Deduper. A nil clock means [time.Now].
func NewDeduper(clock Clock) *Deduper {
	return &Deduper{
		clock:   clock.orSystem(),
		records: make(map[Role][]dedupRecord),
		last:    make(map[Role]lastFinal),
	}
}

// Admit decides whether ev is new content or a duplicate of an already
// admitted final. ev must be a final event.
func (d *Deduper) Admit(ev Event) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(ev.Role)

	text := normalizeText(ev.Text)
	at := ev.FinalizedAtMs
	if at == 0 {
		at = ev.EmittedAtMs
	}

	// 1. Identifier match.
	if ev.Identifier != "" {
		for _, rec := range d.records[ev.Role] {
			if rec.identifier == ev.Identifier && withinWindow(at, rec, ev.Source) {
				return Verdict{Signal: "identifier"}
			}
		}
	}

	// 2. Immediately preceding final text match.
	if lf, ok := d.last[ev.Role]; ok && lf.text == text {
		if insideWindow(at, lf.timestampMs, windowFor(ev.Source, SourceLive)) {
			return Verdict{Signal: "last_final"}
		}
	}

	// 3. Windowed text match against any recorded final.
	hash := textHash(text)
	for _, rec := range d.records[ev.Role] {
		if rec.textHash == hash && rec.text == text && withinWindow(at, rec, ev.Source) {
			return Verdict{Signal: "window_text"}
		}
	}

	// 4. Admit.
	id := ev.Identifier
	if id == "" {
		// Synthesize a stable fallback so the identifier path keeps working
		// for later deliveries of this utterance. Monitoring event, not an
		// error: some providers simply omit item identifiers.
		id = "synth-" + uuid.NewString()
		slog.Info("synthesized fallback transcript identifier",
			"role", ev.Role,
			"identifier", id,
		)
	}

	d.logNearMissLocked(ev.Role, text)

	d.records[ev.Role] = append(d.records[ev.Role], dedupRecord{
		identifier:  id,
		text:        text,
		textHash:    hash,
		timestampMs: at,
		source:      ev.Source,
	})
	d.last[ev.Role] = lastFinal{text: text, timestampMs: at}

	return Verdict{Admitted: true, Identifier: id}
}

// Reset drops all records and last-final pointers, typically on session
// teardown.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = make(map[Role][]dedupRecord)
	d.last = make(map[Role]lastFinal)
}

// pruneLocked discards records too old to match any candidate. Records are
// retained for the widened window regardless of their own source, because a
// live-sourced record must still be able to reject a catchup replay arriving
// up to [CatchupWindow] later; the per-source asymmetry is enforced at match
// time, not at retention time.
func (d *Deduper) pruneLocked(role Role) {
	now := d.clock.nowMs()
	recs := d.records[role]
	kept := recs[:0]
	for _, rec := range recs {
		if now-rec.timestampMs <= CatchupWindow.Milliseconds() {
			kept = append(kept, rec)
		}
	}
	d.records[role] = kept
}

// logNearMissLocked emits a diagnostic when an admitted final is suspiciously
// similar to a recent record without matching it exactly. These logs catch
// provider re-phrasings that slip past exact-text dedup.
func (d *Deduper) logNearMissLocked(role Role, text string) {
	for _, rec := range d.records[role] {
		if rec.text == text {
			continue
		}
		if sim := matchr.JaroWinkler(rec.text, text, true); sim >= nearMissThreshold {
			slog.Debug("admitted final is a near-duplicate of a recent record",
				"role", role,
				"similarity", sim,
			)
			return
		}
	}
}

// withinWindow reports whether a candidate at candidateMs matches rec's
// window, widened when either side is catchup-sourced.
func withinWindow(candidateMs int64, rec dedupRecord, candidateSource Source) bool {
	return insideWindow(candidateMs, rec.timestampMs, windowFor(candidateSource, rec.source))
}

func insideWindow(aMs, bMs int64, w time.Duration) bool {
	delta := aMs - bMs
	if delta < 0 {
		delta = -delta
	}
	return delta <= w.Milliseconds()
}

// windowFor selects the dedup window: widened when either source is catchup.
func windowFor(a, b Source) time.Duration {
	if a == SourceCatchup || b == SourceCatchup {
		return CatchupWindow
	}
	return LiveWindow
}

func textHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
