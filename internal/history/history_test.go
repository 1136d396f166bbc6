package history

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ closed bool }

func (f *failingSink) Send(context.Context, Event) error { return errors.New("down") }
func (f *failingSink) Close() error                      { f.closed = true; return nil }

func TestRecorderFansOutAndStamps(t *testing.T) {
	mem := NewMemorySink(0)
	bad := &failingSink{}
	r := NewRecorder(nil, bad)
	r.Add(mem)

	r.Record(context.Background(), Event{Type: EventStart, Component: "managed", Name: "pouchdb-server", PID: 42, Port: 5984})

	evs := mem.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, EventStart, evs[0].Type)
	assert.False(t, evs[0].OccurredAt.IsZero())

	require.NoError(t, r.Close())
	assert.True(t, bad.closed)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventStop})
	assert.NoError(t, r.Close())
}

func TestMemorySinkBounded(t *testing.T) {
	m := NewMemorySink(2)
	for _, typ := range []EventType{EventStart, EventExit, EventStop} {
		require.NoError(t, m.Send(context.Background(), Event{Type: typ}))
	}
	evs := m.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, EventExit, evs[0].Type)
	assert.Equal(t, EventStop, evs[1].Type)
}
