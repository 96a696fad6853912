package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meterly/cost-ledger-api/internal/store/memory"
	"github.com/meterly/cost-ledger-api/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func TestDispatcher_DeliversAlert(t *testing.T) {
	repo := memory.NewMemoryRepository()
	notifier := &recordingNotifier{}

	d := NewDispatcher(zap.NewNop(), repo, notifier)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Dispatch(Alert{OrgID: "org_1", PeriodType: "monthly", PercentUsed: 85, ThresholdPercent: 80})

	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "org_1", notifier.alerts[0].OrgID)
}

func TestDispatcher_ExhaustedDeliveryDeadLetters(t *testing.T) {
	repo := memory.NewMemoryRepository()
	notifier := &recordingNotifier{err: errors.New("webhook down")}

	d := NewDispatcher(zap.NewNop(), repo, notifier)
	d.retryWait = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Dispatch(Alert{OrgID: "org_1", PeriodType: "monthly", PercentUsed: 95, ThresholdPercent: 80})

	require.Eventually(t, func() bool {
		letters, err := repo.DeadLetters().List(context.Background(), model.DeadLetterAlert, 10)
		return err == nil && len(letters) == 1
	}, time.Second, 5*time.Millisecond)

	letters, err := repo.DeadLetters().List(context.Background(), model.DeadLetterAlert, 10)
	require.NoError(t, err)
	assert.Contains(t, letters[0].Payload, "org_1")
	assert.Equal(t, "webhook down", letters[0].Reason)
}

func TestDispatcher_DispatchAfterStopParksAlert(t *testing.T) {
	repo := memory.NewMemoryRepository()
	notifier := &recordingNotifier{}

	d := NewDispatcher(zap.NewNop(), repo, notifier)
	d.Start(context.Background())

	d.Stop()
	d.Stop() // repeat stop is harmless

	// A straggler after shutdown must be parked, not panic the process.
	d.Dispatch(Alert{OrgID: "org_1", PeriodType: "monthly", PercentUsed: 90, ThresholdPercent: 80})

	letters, err := repo.DeadLetters().List(context.Background(), model.DeadLetterAlert, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "dispatcher stopped", letters[0].Reason)
	assert.Equal(t, 0, notifier.count())
}

func TestDispatcher_FullBufferDeadLetters(t *testing.T) {
	repo := memory.NewMemoryRepository()
	notifier := &recordingNotifier{}

	d := NewDispatcher(zap.NewNop(), repo, notifier)
	d.alertChan = make(chan Alert) // unbuffered and nobody reading

	d.Dispatch(Alert{OrgID: "org_1"})

	letters, err := repo.DeadLetters().List(context.Background(), model.DeadLetterAlert, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "alert buffer full", letters[0].Reason)
}
