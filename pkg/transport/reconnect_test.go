package transport

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestReconnectorRetriesUntilDialSucceeds(t *testing.T) {
	r := newReconnector("test", time.Millisecond, 5*time.Millisecond, nil)
	defer r.stop()

	var attempts atomic.Int32
	r.maintain(func() error {
		if attempts.Add(1) < 3 {
			return errors.New("broker down")
		}
		return nil
	}, nil)

	waitFor(t, r.IsConnected, "never reached CONNECTED")
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestReconnectorRedialsAfterDown(t *testing.T) {
	r := newReconnector("test", time.Millisecond, 5*time.Millisecond, nil)
	defer r.stop()

	var dials atomic.Int32
	var resubscribes atomic.Int32
	r.maintain(
		func() error { dials.Add(1); return nil },
		func() { resubscribes.Add(1) },
	)

	waitFor(t, r.IsConnected, "never connected")
	r.notifyDown()
	waitFor(t, func() bool { return dials.Load() >= 2 }, "never redialed after down signal")
	waitFor(t, r.IsConnected, "never reconnected")
	assert.GreaterOrEqual(t, resubscribes.Load(), int32(2), "topology restored on every connect")
}

func TestReconnectorStopEndsDialLoop(t *testing.T) {
	r := newReconnector("test", time.Millisecond, 5*time.Millisecond, nil)

	r.maintain(func() error { return errors.New("always down") }, nil)
	time.Sleep(10 * time.Millisecond)
	r.stop()

	assert.Equal(t, StateDisconnected, r.State())
}

func TestReconnectorStopInterruptsBackoffWait(t *testing.T) {
	// A huge interval: stop must not wait for the next dial attempt.
	r := newReconnector("test", time.Hour, time.Hour, nil)

	dialed := make(chan struct{}, 1)
	r.maintain(func() error {
		select {
		case dialed <- struct{}{}:
		default:
		}
		return errors.New("broker down")
	}, nil)
	<-dialed // first attempt failed, the loop is inside its backoff wait

	done := make(chan struct{})
	go func() {
		r.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked behind the backoff wait")
	}
	assert.Equal(t, StateDisconnected, r.State())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "ERROR", StateError.String())
}
