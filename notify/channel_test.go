// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package notify_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seakee/jobengine/notify"
)

func TestReconnectorConnectSucceeds(t *testing.T) {
	rc := notify.NewReconnector(func(ctx context.Context) error { return nil }, 0, zeroBackoff)

	require.Equal(t, notify.Disconnected, rc.State())
	require.NoError(t, rc.Connect(context.Background()))
	require.Equal(t, notify.Connected, rc.State())
}

func TestReconnectorConnectFailureLeavesDisconnected(t *testing.T) {
	dialErr := errors.New("dial refused")
	rc := notify.NewReconnector(func(ctx context.Context) error { return dialErr }, 0, zeroBackoff)

	err := rc.Connect(context.Background())
	require.ErrorIs(t, err, dialErr)
	require.Equal(t, notify.Disconnected, rc.State())
}

func TestReconnectorFailedRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	rc := notify.NewReconnector(func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 2 {
			return errors.New("still down")
		}
		return nil
	}, 0, zeroBackoff)

	require.NoError(t, rc.Connect(context.Background()))
	rc.Failed(context.Background())

	require.Eventually(t, func() bool { return rc.State() == notify.Connected }, time.Second, 2*time.Millisecond)
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestReconnectorFailedExhaustsMaxRetries(t *testing.T) {
	var attempts int32
	rc := notify.NewReconnector(func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("always down")
	}, 2, zeroBackoff)

	rc.Failed(context.Background())

	require.Eventually(t, func() bool { return rc.State() == notify.Disconnected }, time.Second, 2*time.Millisecond)
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestReconnectorFailedIsIdempotentWhileReconnecting(t *testing.T) {
	block := make(chan struct{})
	var dials int32
	rc := notify.NewReconnector(func(ctx context.Context) error {
		atomic.AddInt32(&dials, 1)
		<-block
		return nil
	}, 0, zeroBackoff)

	rc.Failed(context.Background())
	require.Eventually(t, func() bool { return rc.State() == notify.Reconnecting }, time.Second, 2*time.Millisecond)

	// A second Failed call while already reconnecting must not spawn a
	// second loop; closing block unblocks at most one in-flight dial.
	rc.Failed(context.Background())
	close(block)

	require.Eventually(t, func() bool { return rc.State() == notify.Connected }, time.Second, 2*time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestReconnectorDisconnectStopsReconnectLoop(t *testing.T) {
	var dials int32
	rc := notify.NewReconnector(func(ctx context.Context) error {
		atomic.AddInt32(&dials, 1)
		return errors.New("down")
	}, 0, func(int) time.Duration { return 20 * time.Millisecond })

	rc.Failed(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dials) >= 1 }, time.Second, 2*time.Millisecond)

	rc.Disconnect()
	require.Equal(t, notify.Disconnected, rc.State())

	seenAfterDisconnect := atomic.LoadInt32(&dials)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, seenAfterDisconnect, atomic.LoadInt32(&dials), "reconnect loop kept dialing after Disconnect")
}

func TestReconnectorFailedStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rc := notify.NewReconnector(func(ctx context.Context) error { return errors.New("down") }, 0, zeroBackoff)

	rc.Failed(ctx)
	require.Eventually(t, func() bool { return rc.State() == notify.Reconnecting }, time.Second, 2*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return rc.State() == notify.Disconnected }, time.Second, 2*time.Millisecond)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", notify.Disconnected.String())
	require.Equal(t, "connecting", notify.Connecting.String())
	require.Equal(t, "connected", notify.Connected.String())
	require.Equal(t, "reconnecting", notify.Reconnecting.String())
}

func zeroBackoff(int) time.Duration { return time.Millisecond }
