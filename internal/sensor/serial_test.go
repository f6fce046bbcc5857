package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMux struct {
	ch           chan string
	unsubscribed string
}

func (m *fakeMux) Subscribe() (string, chan string) { return "sub-1", m.ch }
func (m *fakeMux) Unsubscribe(id string)            { m.unsubscribed = id }

func TestSerialSource_FillsMissingFields(t *testing.T) {
	mux := &fakeMux{ch: make(chan string, 4)}
	sink := &recordingSink{}
	src := &SerialSource{SensorID: "floor", Kind: KindTouchGrid, Mux: mux, Sink: sink}

	mux.ch <- `{"payload":{"rows":1,"cols":1,"values":[0.5]}}`
	mux.ch <- "# boot banner"
	mux.ch <- `{"sensor_id":"other","kind":"touch_grid","payload":{}}`
	mux.ch <- `{broken`
	close(mux.ch)

	require.NoError(t, src.Run(context.Background()), "closed subscription ends the source")
	assert.Equal(t, "sub-1", mux.unsubscribed)

	require.Len(t, sink.raws, 2)
	assert.Equal(t, "floor", sink.raws[0].SensorID)
	assert.Equal(t, KindTouchGrid, sink.raws[0].Kind)
	assert.Equal(t, "other", sink.raws[1].SensorID)
	assert.Len(t, sink.json, 1, "undecodable lines still reach the rejection counter")
}

func TestSerialSource_StopsOnCancel(t *testing.T) {
	mux := &fakeMux{ch: make(chan string)}
	src := &SerialSource{Mux: mux, Sink: &recordingSink{}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, src.Run(ctx), context.DeadlineExceeded)
}
