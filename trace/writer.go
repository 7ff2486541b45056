package trace

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Record is one item of a CBOR trace stream: either a kernel header or an
// event.
type Record struct {
	Kernel *Kernel `cbor:"1,keyasint,omitempty"`
	Event  *Event  `cbor:"2,keyasint,omitempty"`
}

// Writer streams records as a sequence of canonical CBOR items.
type Writer struct {
	enc    *cbor.Encoder
	closer io.Closer
}

// NewWriter writes to w. If w is an io.Closer it is closed by Finish.
func NewWriter(w io.Writer) *Writer {
	tw := &Writer{enc: cborEncMode.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

func (w *Writer) Initialize(k Kernel) error {
	return w.enc.Encode(Record{Kernel: &k})
}

func (w *Writer) Event(e Event) error {
	return w.enc.Encode(Record{Event: &e})
}

// Finish closes the underlying writer when it owns one.
func (w *Writer) Finish() error {
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}

// ReadAll decodes every record of a trace stream.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("trace: decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
