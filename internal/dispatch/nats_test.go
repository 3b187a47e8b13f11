package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	d, err := New(Options{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, d)
}

// A disconnected dispatcher must fail loudly, not report success.
func TestDisconnectedDispatcherPublishFails(t *testing.T) {
	var d *NATSDispatcher
	require.Error(t, d.PublishAction(context.Background(), "actions.dispatch_job", nil))
	require.Error(t, d.PublishEvent(context.Background(), "events.asset.1", nil))
}
