package testutil

import (
	"context"
	"testing"
	"time"
)

// Context returns a context that is canceled on test cleanup or after the
// given duration, whichever comes first.
func Context(t *testing.T, dur time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}
