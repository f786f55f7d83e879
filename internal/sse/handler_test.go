package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshot"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshotbus"
)

func TestHandler_EmitsInitialFrameWhenBusHasValue(t *testing.T) {
	bus := snapshotbus.New()
	bus.Publish(snapshot.New(1, snapshot.CurrentLot{ID: 5}, nil))

	h := NewHandler(bus, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: bids\n", line)

	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dataLine, "data: "))
	assert.Contains(t, dataLine, `"id":5`)
}

func TestParseIntervalMS_DefaultsAndClamps(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, parseIntervalMS(""))
	assert.Equal(t, 50*time.Millisecond, parseIntervalMS("10"))
	assert.Equal(t, 200*time.Millisecond, parseIntervalMS("200"))
	assert.Equal(t, 500*time.Millisecond, parseIntervalMS("not-a-number"))
}

func TestHandler_StreamsFirstPublishWhenBusStartsEmpty(t *testing.T) {
	bus := snapshotbus.New()
	h := NewHandler(bus, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	go func() {
		time.Sleep(30 * time.Millisecond)
		bus.Publish(snapshot.New(9, snapshot.CurrentLot{ID: 1}, nil))
	}()

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: bids\n", line)
}
