// Package audio implements the per-session audio rotator: it buffers
// incoming PCM bytes and finalizes fixed-duration records on elapsed
// wall time or explicit flush.
//
// The rotator is a plain state machine with no internal locking; the
// session owner must serialize access (it holds the session mutex
// across Append and Flush).
package audio

import (
	"bytes"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// Rotator accumulates PCM audio for one session and cuts it into
// records of RecordMs milliseconds. Record ids are monotonic per
// session, starting at 1. Records cover the session timeline with no
// gaps and no overlap: each record's end is the next record's start.
type Rotator struct {
	// RecordMs is the record length in milliseconds.
	RecordMs int64

	recordID      int64
	recordStartMs int64
	buf           bytes.Buffer

	receivedBytes  int64
	receivedFrames int64

	inflight  map[int64]struct{}
	processed map[int64]struct{}
}

// NewRotator returns a rotator whose first record starts at startMs.
func NewRotator(recordMs, startMs int64) *Rotator {
	return &Rotator{
		RecordMs:      recordMs,
		recordID:      1,
		recordStartMs: startMs,
		inflight:      make(map[int64]struct{}),
		processed:     make(map[int64]struct{}),
	}
}

// CurrentRecordID returns the id the next finalized record will carry.
func (r *Rotator) CurrentRecordID() int64 { return r.recordID }

// RecordStartMs returns the wall-clock start of the record being
// buffered.
func (r *Rotator) RecordStartMs() int64 { return r.recordStartMs }

// ReceivedBytes returns the total PCM bytes appended so far.
func (r *Rotator) ReceivedBytes() int64 { return r.receivedBytes }

// ReceivedFrames returns how many Append calls have been made.
func (r *Rotator) ReceivedFrames() int64 { return r.receivedFrames }

// Append adds PCM bytes to the current record buffer and finalizes
// every record whose interval has fully elapsed at nowMs. The returned
// records carry empty SessionID; the caller stamps it.
func (r *Rotator) Append(pcm []byte, nowMs int64) []types.AudioRecord {
	r.buf.Write(pcm)
	r.receivedBytes += int64(len(pcm))
	r.receivedFrames++
	return r.rotateIfDue(nowMs)
}

// rotateIfDue finalizes records in a loop while the current record's
// interval has elapsed. Each finalized record takes the whole buffered
// PCM accumulated during its interval.
func (r *Rotator) rotateIfDue(nowMs int64) []types.AudioRecord {
	if r.recordStartMs <= 0 {
		r.recordStartMs = nowMs
	}
	var finalized []types.AudioRecord
	for nowMs-r.recordStartMs >= r.RecordMs {
		rec, ok := r.finalize(r.recordStartMs+r.RecordMs, false)
		if !ok {
			break
		}
		finalized = append(finalized, rec)
	}
	return finalized
}

// Flush finalizes the current record immediately, even if under-length,
// with end = max(nowMs, start+1). It returns false when there is
// nothing buffered, making repeated flushes idempotent.
func (r *Rotator) Flush(nowMs int64) (types.AudioRecord, bool) {
	return r.finalize(nowMs, true)
}

func (r *Rotator) finalize(endMs int64, force bool) (types.AudioRecord, bool) {
	startMs := r.recordStartMs
	if startMs <= 0 {
		startMs = endMs
	}
	if endMs <= startMs {
		endMs = startMs + 1
	}
	if r.buf.Len() == 0 && !force {
		return types.AudioRecord{}, false
	}
	if r.buf.Len() == 0 && force {
		// Nothing to transcribe; still advance the cursor so a later
		// flush stays a no-op for this interval.
		r.recordStartMs = endMs
		return types.AudioRecord{}, false
	}

	pcm := make([]byte, r.buf.Len())
	copy(pcm, r.buf.Bytes())
	rec := types.AudioRecord{
		RecordID: r.recordID,
		StartMs:  startMs,
		EndMs:    endMs,
		PCM:      pcm,
	}
	r.recordID++
	r.recordStartMs = endMs
	r.buf.Reset()
	return rec, true
}

// MarkInflight records that rec is being transcribed. It returns false
// when the record was already inflight or processed, preventing double
// submission.
func (r *Rotator) MarkInflight(recordID int64) bool {
	if _, ok := r.processed[recordID]; ok {
		return false
	}
	if _, ok := r.inflight[recordID]; ok {
		return false
	}
	r.inflight[recordID] = struct{}{}
	return true
}

// MarkProcessed moves a record from inflight to processed.
func (r *Rotator) MarkProcessed(recordID int64) {
	delete(r.inflight, recordID)
	r.processed[recordID] = struct{}{}
}
