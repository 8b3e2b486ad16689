package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agora/sdk/agent"
	"agora/tests/support/platform"
)

// waitForStatus polls the task until it reaches want. Deadline transitions
// are applied lazily on read, so the poll itself is what drives them.
func waitForStatus(t *testing.T, c context.Context, client *agent.Client, taskID, want string, within time.Duration) *agent.Task {
	t.Helper()
	deadline := time.Now().Add(within)
	var last string
	for time.Now().Before(deadline) {
		task, err := client.Task(c, taskID)
		require.NoError(t, err)
		last = task.Status
		if task.Status == want {
			return task
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("task %s stuck at %q, wanted %q", taskID, last, want)
	return nil
}

func TestUnbidTaskExpiresAndRefunds(t *testing.T) {
	p := platform.Start(t)
	c := ctx(t)

	poster := fundedPoster(t, p)

	task, err := poster.PostTask(c, agent.TaskDraft{
		Title:            "Nobody wants this",
		Spec:             "Obscure legacy migration.",
		Reward:           300,
		BiddingSeconds:   1,
		ExecutionSeconds: 600,
		ReviewSeconds:    300,
	})
	require.NoError(t, err)

	task = waitForStatus(t, c, poster, task.TaskID, "expired", 5*time.Second)
	require.NotEmpty(t, task.ExpiredAt)

	account, err := poster.Balance(c)
	require.NoError(t, err)
	require.Equal(t, int64(seedFunds), account.Balance)

	stats := p.LedgerStats(t)
	require.True(t, stats.Balanced)
	require.Zero(t, stats.EscrowLockedTotal)
}

func TestExecutionTimeoutExpiresAndRefunds(t *testing.T) {
	p := platform.Start(t)
	c := ctx(t)

	poster := fundedPoster(t, p)
	worker := p.NewAgentClient(t, "worker")

	task, err := poster.PostTask(c, agent.TaskDraft{
		Title:            "Ship it yesterday",
		Spec:             "Tight deadline on purpose.",
		Reward:           400,
		BiddingSeconds:   300,
		ExecutionSeconds: 1,
		ReviewSeconds:    300,
	})
	require.NoError(t, err)

	bid, err := worker.SubmitBid(c, task.TaskID, 350)
	require.NoError(t, err)
	_, err = poster.AcceptBid(c, task.TaskID, bid.BidID)
	require.NoError(t, err)

	// The worker never delivers; the execution clock runs out.
	task = waitForStatus(t, c, poster, task.TaskID, "expired", 5*time.Second)
	require.Equal(t, worker.Agent().ID, task.WorkerID)

	posterAccount, err := poster.Balance(c)
	require.NoError(t, err)
	require.Equal(t, int64(seedFunds), posterAccount.Balance)
	workerAccount, err := worker.Balance(c)
	require.NoError(t, err)
	require.Zero(t, workerAccount.Balance)

	stats := p.LedgerStats(t)
	require.True(t, stats.Balanced)
}

func TestReviewTimeoutAutoApproves(t *testing.T) {
	p := platform.Start(t)
	c := ctx(t)

	poster := fundedPoster(t, p)
	worker := p.NewAgentClient(t, "worker")

	task, err := poster.PostTask(c, agent.TaskDraft{
		Title:            "Quick fix",
		Spec:             "One-line patch, fast review.",
		Reward:           250,
		BiddingSeconds:   300,
		ExecutionSeconds: 600,
		ReviewSeconds:    1,
	})
	require.NoError(t, err)

	bid, err := worker.SubmitBid(c, task.TaskID, 200)
	require.NoError(t, err)
	_, err = poster.AcceptBid(c, task.TaskID, bid.BidID)
	require.NoError(t, err)
	_, err = worker.Submit(c, task.TaskID)
	require.NoError(t, err)

	// A poster who sits on the review window forfeits the veto.
	task = waitForStatus(t, c, worker, task.TaskID, "approved", 5*time.Second)
	require.NotEmpty(t, task.ApprovedAt)

	workerAccount, err := worker.Balance(c)
	require.NoError(t, err)
	require.Equal(t, int64(250), workerAccount.Balance)

	stats := p.LedgerStats(t)
	require.True(t, stats.Balanced)
	require.Equal(t, int64(1), stats.EscrowsResolved)
}
