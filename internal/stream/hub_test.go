package stream

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(t *testing.T, sub *Subscription) []string {
	t.Helper()
	var chunks []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-sub.C():
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("timed out waiting for stream to terminate")
		}
	}
}

func TestHub_FanOutInOrder(t *testing.T) {
	hub := NewHub(nil)
	id := uuid.New()

	subs := []*Subscription{hub.Subscribe(id), hub.Subscribe(id), hub.Subscribe(id)}

	var wg sync.WaitGroup
	results := make([][]string, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = collect(t, sub)
		}()
	}

	published := []string{"c1", "c2", "c3"}
	for _, chunk := range published {
		hub.Publish(id, chunk)
	}
	hub.Terminate(id)
	wg.Wait()

	for i, got := range results {
		assert.Equal(t, published, got, "subscriber %d", i)
	}
}

func TestHub_SubscribeAfterTerminate(t *testing.T) {
	hub := NewHub(nil)
	id := uuid.New()

	hub.Publish(id, "lost")
	hub.Terminate(id)

	sub := hub.Subscribe(id)
	chunks := collect(t, sub)
	assert.Empty(t, chunks, "post-termination subscription completes immediately with no chunks")
}

func TestHub_TerminateIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	id := uuid.New()

	sub := hub.Subscribe(id)
	hub.Terminate(id)
	hub.Terminate(id)

	chunks := collect(t, sub)
	assert.Empty(t, chunks)
}

func TestHub_LateSubscriberMissesEarlierChunks(t *testing.T) {
	hub := NewHub(nil)
	id := uuid.New()

	early := hub.Subscribe(id)
	hub.Publish(id, "first")

	// Drain "first" before the late subscriber joins, so the relative
	// ordering of the two registrations is fixed.
	select {
	case got := <-early.C():
		require.Equal(t, "first", got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	late := hub.Subscribe(id)
	hub.Publish(id, "second")
	hub.Terminate(id)

	assert.Equal(t, []string{"second"}, collect(t, early))
	assert.Equal(t, []string{"second"}, collect(t, late))
}

func TestHub_SlowConsumerDoesNotBlockPeers(t *testing.T) {
	hub := NewHub(nil)
	id := uuid.New()

	slow := hub.Subscribe(id)
	fast := hub.Subscribe(id)

	const n = 1000
	done := make(chan []string)
	go func() { done <- collect(t, fast) }()

	// The slow subscriber never reads until the end; publishing must not
	// block regardless.
	for i := 0; i < n; i++ {
		hub.Publish(id, fmt.Sprintf("c%d", i))
	}
	hub.Terminate(id)

	fastChunks := <-done
	require.Len(t, fastChunks, n)

	slowChunks := collect(t, slow)
	require.Len(t, slowChunks, n)
	assert.Equal(t, "c0", slowChunks[0])
	assert.Equal(t, fmt.Sprintf("c%d", n-1), slowChunks[n-1])
}

func TestSubscription_CloseReleasesAbandonedConsumer(t *testing.T) {
	hub := NewHub(nil)
	id := uuid.New()

	sub := hub.Subscribe(id)
	hub.Publish(id, strings.Repeat("x", 10))

	// Abandon without reading; goleak verifies the pump goroutine exits.
	sub.Close()

	// The stream itself is unaffected for other consumers.
	other := hub.Subscribe(id)
	hub.Publish(id, "still alive")
	hub.Terminate(id)
	assert.Equal(t, []string{"still alive"}, collect(t, other))
}

func TestHub_IndependentStreams(t *testing.T) {
	hub := NewHub(nil)
	a, b := uuid.New(), uuid.New()

	subA := hub.Subscribe(a)
	subB := hub.Subscribe(b)

	hub.Publish(a, "for a")
	hub.Publish(b, "for b")
	hub.Terminate(a)

	assert.Equal(t, []string{"for a"}, collect(t, subA))

	// Stream b is still live.
	hub.Publish(b, "more b")
	hub.Terminate(b)
	assert.Equal(t, []string{"for b", "more b"}, collect(t, subB))
}
