package crdt

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TextID identifies a run of inserted text.
type TextID struct {
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
}

// Compare orders runs by sequence number, then by actor.
func (id TextID) Compare(other TextID) int {
	if id.Seq != other.Seq {
		if id.Seq < other.Seq {
			return -1
		}
		return 1
	}
	return strings.Compare(id.Actor, other.Actor)
}

// TextRun is a contiguous span of text inserted by one actor. Deleted
// runs remain in place as tombstones.
type TextRun struct {
	ID      TextID `json:"id"`
	Text    string `json:"text"`
	Deleted bool   `json:"deleted"`
}

// TextDoc holds collaborative text as an ordered, grow-only run list.
// Replicas that exchange encoded state converge: runs merge by ID,
// deletion wins over insertion, and ordering is deterministic.
type TextDoc struct {
	actor string
	seq   uint64
	runs  []TextRun
}

// textState is the wire form of the run list.
type textState struct {
	Runs []TextRun `json:"runs"`
}

// NewTextDoc creates an empty text document with a fresh actor identity.
func NewTextDoc() *TextDoc {
	return &TextDoc{actor: uuid.NewString()}
}

// Text returns the current content by concatenating live runs in order.
func (d *TextDoc) Text() string {
	var sb strings.Builder
	for _, run := range d.runs {
		if !run.Deleted {
			sb.WriteString(run.Text)
		}
	}
	return sb.String()
}

// Len returns the byte length of the current content.
func (d *TextDoc) Len() int {
	n := 0
	for _, run := range d.runs {
		if !run.Deleted {
			n += len(run.Text)
		}
	}
	return n
}

// SetText replaces the entire content: every live run is tombstoned and
// the new text is appended as a single run.
func (d *TextDoc) SetText(text string) {
	for i := range d.runs {
		d.runs[i].Deleted = true
	}
	d.seq++
	d.runs = append(d.runs, TextRun{
		ID:   TextID{Actor: d.actor, Seq: d.seq},
		Text: text,
	})
}

// EncodeState returns the full run list, tombstones included, as an
// opaque update payload.
func (d *TextDoc) EncodeState() ([]byte, error) {
	return json.Marshal(textState{Runs: d.runs})
}

// ApplyUpdate merges an encoded run list into the document. Runs with
// unknown IDs are inserted in order; runs already present pick up the
// deleted flag. The local sequence advances past any merged run so
// later writes sort after everything seen.
func (d *TextDoc) ApplyUpdate(data []byte) error {
	var state textState
	if err := json.Unmarshal(data, &state); err != nil {
		return ErrDecodeState{Cause: err}
	}
	for _, run := range state.Runs {
		d.merge(run)
	}
	return nil
}

func (d *TextDoc) merge(run TextRun) {
	pos := sort.Search(len(d.runs), func(i int) bool {
		return d.runs[i].ID.Compare(run.ID) >= 0
	})
	if pos < len(d.runs) && d.runs[pos].ID == run.ID {
		if run.Deleted {
			d.runs[pos].Deleted = true
		}
		return
	}
	d.runs = append(d.runs, TextRun{})
	copy(d.runs[pos+1:], d.runs[pos:])
	d.runs[pos] = run
	if run.ID.Seq > d.seq {
		d.seq = run.ID.Seq
	}
}
