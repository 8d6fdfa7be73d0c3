package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydouble-go/internal/cache"
	"mydouble-go/internal/config"
	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/keylock"
	"mydouble-go/pkg/storage"
	"mydouble-go/pkg/synthesis"
)

type stubClient struct {
	mu        sync.Mutex
	submitErr error
	state     synthesis.State
	polls     int
}

func (c *stubClient) Submit(ctx context.Context, payload synthesis.Payload) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return "task-" + payload.Resolution, nil
}

func (c *stubClient) Status(ctx context.Context, jobID string) (synthesis.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	switch c.state {
	case synthesis.StateReady:
		return synthesis.Status{State: synthesis.StateReady, AssetRef: "https://cdn.example.com/" + jobID + ".mp4"}, nil
	case synthesis.StateError:
		return synthesis.Status{State: synthesis.StateError, ErrorDetail: "face not detected"}, nil
	}
	return synthesis.Status{State: synthesis.StatePending}, nil
}

type genFixture struct {
	svc    *GenerationService
	ledger CreditLedger
	repos  *repository.Repositories
	remote *repository.MemoryMessageRepository
	cache  *cache.ConversationCache
	client *stubClient
}

func newGenFixture(t *testing.T, client synthesis.Client, lockAll bool) *genFixture {
	t.Helper()
	return newGenFixtureWithJobs(t, client, lockAll, nil)
}

func newGenFixtureWithJobs(t *testing.T, client synthesis.Client, lockAll bool, wrapJobs func(repository.JobRepository) repository.JobRepository) *genFixture {
	t.Helper()
	cfg := &config.Config{
		Synthesis: config.SynthesisConfig{DefaultResolution: "480p"},
		Poller:    config.PollerConfig{Interval: time.Millisecond, MaxAttempts: 60, TransportBackoff: time.Millisecond},
		Credits:   testCreditsConfig(),
		Unlock:    config.UnlockConfig{DefaultPrice: 10, LockAll: lockAll},
		Sync:      config.SyncConfig{MaxAttempts: 2, InitialDelay: time.Millisecond},
	}
	repos := repository.NewMemoryRepositories()
	if wrapJobs != nil {
		repos.Jobs = wrapJobs(repos.Jobs)
	}
	c, err := cache.NewConversationCache(cache.NewMemoryStore(), 15)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))

	locker := keylock.NewLocal()
	ledger := NewCreditLedger(repos.Credits, locker, cfg.Credits, Invariants{})
	gate := NewUnlockGate(repos.Assets, ledger, locker, storage.PassthroughSigner{})
	syncer := NewSyncReconciler(c, repos.Messages, repos.Jobs, repos.Assets, cfg.Sync)
	svc := NewGenerationService(GenerationDeps{
		Config: cfg,
		Ledger: ledger,
		Gate:   gate,
		Sync:   syncer,
		Cache:  c,
		Jobs:   repos.Jobs,
		Assets: repos.Assets,
		Client: client,
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	f := &genFixture{svc: svc, ledger: ledger, repos: repos, remote: repos.Messages.(*repository.MemoryMessageRepository), cache: c}
	if sc, ok := client.(*stubClient); ok {
		f.client = sc
	}
	return f
}

func (f *genFixture) waitTerminal(t *testing.T, jobID string) *model.GenerationJob {
	t.Helper()
	var job *model.GenerationJob
	require.Eventually(t, func() bool {
		j, err := f.repos.Jobs.Get(context.Background(), jobID)
		if err != nil || !j.Status.IsTerminal() {
			return false
		}
		job = j
		return !f.svc.Poller().IsActive(jobID)
	}, 5*time.Second, time.Millisecond)
	return job
}

func request(resolution string) SubmitRequest {
	return SubmitRequest{
		ConversationID: "conv-1",
		Prompt:         "say hello",
		ImageURL:       "https://cdn.example.com/face.png",
		AudioURL:       "https://cdn.example.com/voice.mp3",
		Resolution:     resolution,
	}
}

func TestSubmitCompleteAndUnlock(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, synthesis.NewMockClient(2), true)
	_, err := f.ledger.EnsureAccount(ctx, "acc_1")
	require.NoError(t, err)
	fund(t, f.ledger, "acc_1", 10)

	res, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request("720p"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Job.Cost)
	assert.Equal(t, 11, res.Balance)
	assert.True(t, res.Job.Charged)

	job := f.waitTerminal(t, res.Job.ID)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Attempts)

	status, err := f.svc.GetJobStatus(ctx, "acc_1", job.ID)
	require.NoError(t, err)
	require.NotNil(t, status.Asset)
	assert.False(t, status.Asset.Unlocked)
	assert.Equal(t, 10, status.Asset.UnlockPrice)

	view, err := f.svc.LoadConversation(ctx, "acc_1", "conv-1")
	require.NoError(t, err)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, model.StatusLocked, view.Messages[1].Status())

	_, err = f.svc.ResolveAssetContent(ctx, "acc_1", status.Asset.ID)
	assert.ErrorIs(t, err, ErrAssetLocked)

	unlocked, err := f.svc.UnlockAsset(ctx, "acc_1", status.Asset.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, unlocked.Balance)

	view, err = f.svc.LoadConversation(ctx, "acc_1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, view.Messages[1].Status())

	url, err := f.svc.ResolveAssetContent(ctx, "acc_1", status.Asset.ID)
	require.NoError(t, err)
	assert.Contains(t, url, "generated/")

	report, err := f.ledger.Audit(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestSubmitRejectedReleasesHold(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{submitErr: &synthesis.RejectedError{Code: 422, Message: "bad image"}}
	f := newGenFixture(t, client, false)
	fund(t, f.ledger, "acc_1", 1)

	_, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request("480p"))
	var submission *SubmissionError
	require.ErrorAs(t, err, &submission)
	assert.False(t, submission.Transient)
	assert.Equal(t, KindTerminalError, Classify(err))

	available, err := f.ledger.Available(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, 1, available)
}

func TestSubmitTransportErrorIsTransient(t *testing.T) {
	client := &stubClient{submitErr: synthesis.ErrTransport}
	f := newGenFixture(t, client, false)
	fund(t, f.ledger, "acc_1", 1)

	_, err := f.svc.SubmitGenerationJob(context.Background(), "acc_1", request("480p"))
	assert.Equal(t, KindTransientError, Classify(err))
}

func TestSubmitInsufficientCredits(t *testing.T) {
	f := newGenFixture(t, &stubClient{}, false)
	fund(t, f.ledger, "acc_1", 2)

	_, err := f.svc.SubmitGenerationJob(context.Background(), "acc_1", request("1080p"))
	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Available)
	assert.Equal(t, 3, insufficient.Required)
	assert.Equal(t, 0, f.client.polls)
}

func TestSubmitUnknownResolution(t *testing.T) {
	f := newGenFixture(t, &stubClient{}, false)
	fund(t, f.ledger, "acc_1", 5)
	_, err := f.svc.SubmitGenerationJob(context.Background(), "acc_1", request("4k"))
	assert.ErrorIs(t, err, ErrUnknownResolution)
}

func TestFailedJobIsRefunded(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, &stubClient{state: synthesis.StateError}, false)
	fund(t, f.ledger, "acc_1", 5)

	res, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request("1080p"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Balance)

	job := f.waitTerminal(t, res.Job.ID)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.True(t, job.Refunded)

	balance, err := f.ledger.Balance(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	refund, err := f.repos.Credits.FindTransaction(ctx, "acc_1", model.ReasonRefund, job.ChargeRef)
	require.NoError(t, err)
	assert.Equal(t, 3, refund.Amount)
}

func TestTimedOutJobIsRefunded(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	f := newGenFixture(t, client, false)
	fund(t, f.ledger, "acc_1", 1)

	res, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request("480p"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Balance)

	job := f.waitTerminal(t, res.Job.ID)
	assert.Equal(t, model.JobTimedOut, job.Status)
	assert.Equal(t, 60, job.Attempts)

	balance, _ := f.ledger.Balance(ctx, "acc_1")
	assert.Equal(t, 1, balance)

	view, err := f.svc.LoadConversation(ctx, "acc_1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, view.Messages[1].Status())
}

type gatedClient struct {
	*stubClient
	entered chan struct{}
	release chan struct{}
	submits int32
}

func (c *gatedClient) Submit(ctx context.Context, payload synthesis.Payload) (string, error) {
	atomic.AddInt32(&c.submits, 1)
	c.entered <- struct{}{}
	<-c.release
	return c.stubClient.Submit(ctx, payload)
}

func TestConcurrentSubmitsWithSameRequestChargeOnce(t *testing.T) {
	ctx := context.Background()
	client := &gatedClient{
		stubClient: &stubClient{state: synthesis.StateReady},
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	f := newGenFixture(t, client, false)
	fund(t, f.ledger, "acc_1", 5)

	req := request("480p")
	req.RequestID = "r1"

	type outcome struct {
		res *SubmitResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.svc.SubmitGenerationJob(ctx, "acc_1", req)
		first <- outcome{res, err}
	}()
	<-client.entered

	_, err := f.svc.SubmitGenerationJob(ctx, "acc_1", req)
	assert.ErrorIs(t, err, ErrReservationInFlight)
	assert.Equal(t, KindTransientError, Classify(err))

	close(client.release)
	out := <-first
	require.NoError(t, out.err)
	assert.Equal(t, 4, out.res.Balance)

	_, err = f.svc.SubmitGenerationJob(ctx, "acc_1", req)
	assert.ErrorIs(t, err, ErrAlreadyCharged)
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.submits))

	job := f.waitTerminal(t, out.res.Job.ID)
	assert.Equal(t, model.JobCompleted, job.Status)
	balance, err := f.ledger.Balance(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance)
}

type chargeSaveFailingJobs struct {
	repository.JobRepository
}

func (r *chargeSaveFailingJobs) Save(ctx context.Context, job *model.GenerationJob) error {
	if job.Status == model.JobSubmitted && job.Charged {
		return errors.New("database unavailable")
	}
	return r.JobRepository.Save(ctx, job)
}

func TestSubmitSurvivesChargeFlagSaveFailure(t *testing.T) {
	ctx := context.Background()
	f := newGenFixtureWithJobs(t, &stubClient{state: synthesis.StateError}, false, func(jobs repository.JobRepository) repository.JobRepository {
		return &chargeSaveFailingJobs{JobRepository: jobs}
	})
	fund(t, f.ledger, "acc_1", 5)

	res, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request("1080p"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Balance)

	job := f.waitTerminal(t, res.Job.ID)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.True(t, job.Charged)
	assert.True(t, job.Refunded)

	balance, err := f.ledger.Balance(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}

func TestLoadConversationSettlesMissedRefund(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, &stubClient{}, false)
	fund(t, f.ledger, "acc_1", 5)

	_, err := f.ledger.CheckAndReserve(ctx, "acc_1", 3, "job:lost")
	require.NoError(t, err)
	_, err = f.ledger.Deduct(ctx, "acc_1", 3, "job:lost", "generate")
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, f.repos.Jobs.Create(ctx, &model.GenerationJob{
		ID:             "task-lost",
		RequestID:      "lost",
		AccountID:      "acc_1",
		ConversationID: "conv-1",
		MessageID:      "msg-lost",
		Cost:           3,
		ChargeRef:      "job:lost",
		Charged:        true,
		Status:         model.JobFailed,
		RequestedAt:    now,
		CompletedAt:    &now,
	}))

	_, err = f.svc.LoadConversation(ctx, "acc_1", "conv-1")
	require.NoError(t, err)

	job, err := f.repos.Jobs.Get(ctx, "task-lost")
	require.NoError(t, err)
	assert.True(t, job.Refunded)
	balance, err := f.ledger.Balance(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}

func TestCloseConversationCancelsPollingAndLoadResumes(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	f := newGenFixture(t, client, false)
	fund(t, f.ledger, "acc_1", 3)

	res, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request("480p"))
	require.NoError(t, err)

	n, err := f.svc.CloseConversation(ctx, "acc_1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.svc.Poller().IsActive(res.Job.ID))

	client.mu.Lock()
	client.state = synthesis.StateReady
	client.mu.Unlock()

	_, err = f.svc.LoadConversation(ctx, "acc_1", "conv-1")
	require.NoError(t, err)
	job := f.waitTerminal(t, res.Job.ID)
	assert.Equal(t, model.JobCompleted, job.Status)
}

func TestMultipleJobsPerConversation(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, synthesis.NewMockClient(1), false)
	fund(t, f.ledger, "acc_1", 5)

	first, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request("480p"))
	require.NoError(t, err)
	second, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request("480p"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Job.ID, second.Job.ID)

	f.waitTerminal(t, first.Job.ID)
	f.waitTerminal(t, second.Job.ID)
	view, err := f.svc.LoadConversation(ctx, "acc_1", "conv-1")
	require.NoError(t, err)
	assert.Len(t, view.Messages, 4)
	for _, m := range view.Messages {
		assert.Equal(t, model.StatusCompleted, m.Status())
	}
}

func TestGetJobStatusOwnership(t *testing.T) {
	ctx := context.Background()
	f := newGenFixture(t, synthesis.NewMockClient(0), false)
	fund(t, f.ledger, "acc_1", 1)
	res, err := f.svc.SubmitGenerationJob(ctx, "acc_1", request(""))
	require.NoError(t, err)

	_, err = f.svc.GetJobStatus(ctx, "acc_2", res.Job.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetJobStatus(ctx, "acc_1", "nope")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}
