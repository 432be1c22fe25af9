package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/folio/errs"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	a, err := hub.Subscribe(context.Background())
	require.NoError(t, err)
	b, err := hub.Subscribe(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, hub.Publish(Change{Kind: KindState, State: "idle"}))
	require.Equal(t, "idle", (<-a).State)
	require.Equal(t, "idle", (<-b).State)
}

func TestPublishDropsForFullSubscriber(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()
	ch, err := hub.Subscribe(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, hub.Publish(Change{Kind: KindOrders}))
	require.Equal(t, 0, hub.Publish(Change{Kind: KindOrders}), "publisher never blocks")
	<-ch
	require.Equal(t, 1, hub.Publish(Change{Kind: KindSnapshot}))
}

func TestSubscriberContextCancelClosesChannel(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := hub.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, hub.Publish(Change{Kind: KindState}))
}

func TestCloseRejectsNewSubscribers(t *testing.T) {
	hub := NewHub(1)
	ch, err := hub.Subscribe(context.Background())
	require.NoError(t, err)
	hub.Close()
	hub.Close()

	_, ok := <-ch
	require.False(t, ok)
	_, err = hub.Subscribe(context.Background())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.Zero(t, hub.Publish(Change{Kind: KindState}))
}

func TestErrorChangeCarriesRemediation(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	change := ErrorChange(errs.New("refresh", errs.CodeRateLimited), at)
	require.Equal(t, KindError, change.Kind)
	require.Equal(t, errs.CodeRateLimited, change.Code)
	require.NotEmpty(t, change.Remediation)
	require.Equal(t, at, change.At)
}
