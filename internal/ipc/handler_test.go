package ipc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imetrackd/internal/delay"
	"imetrackd/internal/imf"
	"imetrackd/internal/store"
)

type fakeStore struct {
	rows []store.Request
	err  error
}

func (f *fakeStore) RecentRequests(limit int) ([]store.Request, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeStore) StatusCounts() (map[string]int64, error) {
	return map[string]int64{"STATUS_SUCCESS": int64(len(f.rows))}, f.err
}

func (f *fakeStore) ReasonCounts() (map[string]int64, error) {
	return map[string]int64{"SHOW_SOFT_INPUT": int64(len(f.rows))}, f.err
}

type fakeSink struct{}

func (fakeSink) Written() uint64 { return 5 }
func (fakeSink) Dropped() uint64 { return 1 }

func newStoreHandler(t *testing.T, st *fakeStore) *DaemonHandler {
	t.Helper()
	mgr := imf.New(imf.Options{
		Scheduler: delay.NewManualQueue(time.Unix(1700000000, 0)),
		Logger:    quietLogger(),
	})
	return NewDaemonHandler(DaemonHandlerConfig{
		Manager:     mgr,
		Store:       st,
		Sink:        fakeSink{},
		StoragePath: "/var/lib/imetrackd/requests.db",
		LogLevel:    func() string { return "debug" },
		Logger:      quietLogger(),
	})
}

func call(t *testing.T, h *DaemonHandler, typ MessageType, req, out any) (*Message, error) {
	t.Helper()
	payload, err := Encode(req)
	require.NoError(t, err)
	resp, err := h.HandleMessage(context.Background(), nil, NewMessage(typ, 3, payload))
	if err != nil {
		return nil, err
	}
	require.Equal(t, uint32(3), resp.Header.RequestID)
	if out != nil {
		require.NoError(t, Decode(resp.Payload, out))
	}
	return resp, nil
}

func TestHandlerReadsHistoryFromStore(t *testing.T) {
	st := &fakeStore{rows: []store.Request{{ID: 3, Tag: "c"}, {ID: 2, Tag: "b"}, {ID: 1, Tag: "a"}}}
	h := newStoreHandler(t, st)

	var hist HistoryResponse
	resp, err := call(t, h, MsgHistoryRequest, &HistoryRequest{Limit: 2}, &hist)
	require.NoError(t, err)
	assert.Equal(t, MsgHistoryResp, resp.Header.Type)
	assert.Equal(t, "store", hist.Source)
	require.Len(t, hist.Requests, 2)
	assert.Equal(t, "c", hist.Requests[0].Tag)

	var stats StatsResponse
	_, err = call(t, h, MsgStatsRequest, nil, &stats)
	require.NoError(t, err)
	assert.Equal(t, "store", stats.Source)
	assert.Equal(t, int64(3), stats.Statuses["STATUS_SUCCESS"])
	assert.Nil(t, stats.Metrics)
}

func TestHandlerStoreErrors(t *testing.T) {
	h := newStoreHandler(t, &fakeStore{err: errors.New("disk gone")})

	_, err := call(t, h, MsgHistoryRequest, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestHandlerStatusReportsStorage(t *testing.T) {
	h := newStoreHandler(t, &fakeStore{})

	var status StatusResponse
	_, err := call(t, h, MsgStatusRequest, nil, &status)
	require.NoError(t, err)
	assert.True(t, status.Storage.Enabled)
	assert.Equal(t, "/var/lib/imetrackd/requests.db", status.Storage.Path)
	assert.Equal(t, uint64(5), status.Storage.Written)
	assert.Equal(t, uint64(1), status.Storage.Dropped)
	assert.Equal(t, "debug", status.LogLevel)
	assert.Zero(t, status.Clients)
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	h := newStoreHandler(t, &fakeStore{})

	resp, err := h.HandleMessage(context.Background(), nil, NewMessage(MsgSwitch, 1, []byte("{not json")))
	require.NoError(t, err)
	require.Equal(t, MsgError, resp.Header.Type)

	var e ErrorResponse
	require.NoError(t, Decode(resp.Payload, &e))
	assert.Equal(t, ErrInvalidRequest, e.Code)
	assert.Contains(t, e.Message, "invalid switch payload")
}

func TestPublishOnNilHandler(t *testing.T) {
	var h *DaemonHandler
	assert.NotPanics(t, func() {
		h.PublishVerdict(imf.Verdict{})
		h.PublishShutdown()
	})
}
