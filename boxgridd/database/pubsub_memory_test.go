package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boxgrid/boxgrid/boxgridd/database"
	"github.com/boxgrid/boxgrid/testutil"
)

func TestPubsubMemory(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	ps := database.NewPubsubInMemory()
	defer ps.Close()

	messages := make(chan []byte, 1)
	cancel, err := ps.Subscribe("test", func(_ context.Context, message []byte) {
		messages <- message
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.Publish("test", []byte("hello")))
	select {
	case msg := <-messages:
		require.Equal(t, []byte("hello"), msg)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	// Publishing on a channel with no listeners is not an error.
	require.NoError(t, ps.Publish("empty", []byte("ignored")))

	// A canceled subscription stops receiving.
	cancel()
	require.NoError(t, ps.Publish("test", []byte("after cancel")))
	select {
	case <-messages:
		t.Fatal("received message after cancel")
	default:
	}
}
