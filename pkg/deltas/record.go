package deltas

import (
	"fmt"

	"github.com/cuemby/meshsync/pkg/sandbox"
	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// record is the Delta-column on-disk form: the delta, its applied flag and
// the events to replay through the sink if application is still pending at
// next startup.
type record struct {
	delta   types.Delta
	applied bool
	events  []sandbox.Event
}

const (
	maxEventString    = 4096
	maxEventsPerDelta = 128
)

func encodeRecord(r *record) []byte {
	e := wire.NewEncoder()
	e.Bool(r.applied)
	e.Bytes32(r.delta.ID)
	e.U32(uint32(len(r.delta.Parents)))
	for _, p := range r.delta.Parents {
		e.Bytes32(p)
	}
	e.VarBytes(r.delta.Payload)
	e.U64(r.delta.Timestamp.WallTime)
	e.U32(r.delta.Timestamp.Counter)
	e.Bytes32(r.delta.ExpectedRoot)
	e.U32(uint32(len(r.events)))
	for _, ev := range r.events {
		e.VarBytes([]byte(ev.Kind))
		e.VarBytes([]byte(ev.Handler))
		e.VarBytes(ev.Data)
	}
	return e.Bytes()
}

func decodeRecord(data []byte) (*record, error) {
	d := wire.NewDecoder(data)
	r := &record{}
	r.applied = d.Bool()
	r.delta.ID = types.DeltaID(d.Bytes32())
	n := d.Count(wire.MaxDeltaIDsPerReq)
	for i := 0; i < n; i++ {
		r.delta.Parents = append(r.delta.Parents, types.DeltaID(d.Bytes32()))
	}
	r.delta.Payload = d.VarBytes(wire.MaxDeltaPayload)
	r.delta.Timestamp.WallTime = d.U64()
	r.delta.Timestamp.Counter = d.U32()
	r.delta.ExpectedRoot = types.Hash(d.Bytes32())
	ne := d.Count(maxEventsPerDelta)
	for i := 0; i < ne; i++ {
		r.events = append(r.events, sandbox.Event{
			Kind:    string(d.VarBytes(maxEventString)),
			Handler: string(d.VarBytes(maxEventString)),
			Data:    d.VarBytes(wire.MaxDeltaPayload),
		})
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode delta record: %w", err)
	}
	return r, nil
}

func (s *Store) persist(delta *types.Delta, events []sandbox.Event, applied bool) error {
	if s.store == nil {
		return nil
	}
	value := encodeRecord(&record{delta: *delta, applied: applied, events: events})
	if err := s.store.Put(storage.ColumnDelta, storage.DeltaKey(s.contextID, delta.ID), value); err != nil {
		return fmt.Errorf("persist delta %s: %w", delta.ID, err)
	}
	return nil
}
