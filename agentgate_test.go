package agentgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentgate/hitl"
)

func TestNew_RequiresAuthSecret(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestNew_WiresComponents(t *testing.T) {
	p, err := New(WithAuthSecret("secret"), WithSessionTTL(time.Minute))
	require.NoError(t, err)
	defer p.Close()

	require.NotNil(t, p.Registry)
	require.NotNil(t, p.Dispatcher)
	require.NotNil(t, p.Coordinator)
	require.NotNil(t, p.Tracker)
	require.NotNil(t, p.Gateway)

	// the coordinator is live: a request can be created and read back
	req, err := p.Coordinator.Create(context.Background(), "tenant-a", "", hitl.Spec{
		Type:          hitl.RequestTypeApproval,
		Decision:      hitl.DecisionSingleApprover,
		RequesterID:   "agent-1",
		AssigneeUsers: []string{"alice"},
	})
	require.NoError(t, err)

	got, err := p.Coordinator.Get(context.Background(), req.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusPending, got.Status)
}

func TestPlatform_RunStopsOnCancel(t *testing.T) {
	p, err := New(WithAuthSecret("secret"))
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
