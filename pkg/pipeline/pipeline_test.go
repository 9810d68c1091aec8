package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/tweet-puller/internal/testutil"
	"github.com/Sternrassler/tweet-puller/pkg/checkpoint"
	"github.com/Sternrassler/tweet-puller/pkg/pagination"
	"github.com/Sternrassler/tweet-puller/pkg/pipeline"
	"github.com/Sternrassler/tweet-puller/pkg/ratelimit"
	"github.com/Sternrassler/tweet-puller/pkg/remote"
	"github.com/Sternrassler/tweet-puller/pkg/writer"
)

const output = "/out/gopher.parquet"

var gopher = remote.Subject{ID: "42", ScreenName: "gopher", Name: "Gopher"}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// at builds an item id created age ago.
func at(id string, age time.Duration) [2]string {
	return [2]string{id, time.Now().Add(-age).UTC().Format(time.RFC3339)}
}

func options(fs afero.Fs, r remote.Remote) pipeline.Options {
	logger := testLogger()
	return pipeline.Options{
		Subject:  "@gopher",
		Output:   output,
		Duration: "30 days",
		Remote:   r,
		Limiter:  ratelimit.New(ratelimit.DefaultConfig(), logger, ratelimit.WithSleeper(noSleep)),
		Fs:       fs,
		Probe:    writer.StaticMemory(0),
		Logger:   logger,
	}
}

func loadCheckpoint(t *testing.T, fs afero.Fs) (*checkpoint.Checkpoint, bool) {
	t.Helper()
	m := checkpoint.NewManager(checkpoint.NewFileStore(fs), output, testLogger())
	return m.Load(context.Background())
}

func TestRun_Exhausted(t *testing.T) {
	fs := afero.NewMemMapFs()
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items(at("9", time.Hour), at("8", 2*time.Hour)),
		testutil.Items(at("7", 3*time.Hour)),
	)

	res, err := pipeline.Run(context.Background(), options(fs, fake))
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, gopher, res.Subject)
	assert.Equal(t, pagination.StopExhausted, res.StopReason)
	assert.True(t, res.Complete)
	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 3, res.Written)
	assert.Equal(t, 2, res.Pages)

	exists, err := afero.Exists(fs, output)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRun_Cutoff(t *testing.T) {
	fs := afero.NewMemMapFs()
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items(at("9", time.Hour), at("8", 2*time.Hour)),
		testutil.Items(at("7", 72*time.Hour), at("6", 96*time.Hour)),
		testutil.Items(at("5", 120*time.Hour)),
	)
	opts := options(fs, fake)
	opts.Duration = "1 day"

	res, err := pipeline.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, pagination.StopCutoff, res.StopReason)
	assert.True(t, res.Complete)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 2, fake.FetchCalls, "no page after the cutoff page is requested")
}

func TestRun_CompleteRunRemovesCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, checkpoint.Path(output),
		[]byte(`{"last_record_id": "8", "count": 1}`), 0o644))

	fake := testutil.NewFakeRemote(gopher, testutil.Items(at("9", time.Hour), at("8", 2*time.Hour)))
	opts := options(fs, fake)
	opts.Resume = true

	res, err := pipeline.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, res.Complete)

	_, ok := loadCheckpoint(t, fs)
	assert.False(t, ok)
}

func TestRun_TruncatedKeepsCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items(at("9", time.Hour), at("8", 2*time.Hour)),
		testutil.Items(at("7", 3*time.Hour)),
	)
	limited := &remote.Error{Kind: remote.KindRateLimited, StatusCode: 429}
	fake.FailPage(1, limited, limited, limited)

	opts := options(fs, fake)
	opts.Writer = writer.Config{BatchSize: 1, CheckpointInterval: 1}

	res, err := pipeline.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, pagination.StopTruncated, res.StopReason)
	assert.False(t, res.Complete)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 4, fake.FetchCalls)

	cp, ok := loadCheckpoint(t, fs)
	require.True(t, ok)
	assert.Equal(t, "8", cp.LastRecordID)
	assert.Equal(t, 2, cp.Count)
}

func TestRun_AccessDeniedFinalizesPartialOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items(at("9", time.Hour), at("8", 2*time.Hour)),
		testutil.Items(at("7", 3*time.Hour)),
	)
	fake.FailPage(1, &remote.Error{Kind: remote.KindUnauthorized, StatusCode: 401})

	opts := options(fs, fake)
	opts.Writer = writer.Config{CheckpointInterval: 1}

	res, err := pipeline.Run(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, pagination.ErrAccessDenied)
	assert.True(t, remote.IsAuth(err))

	assert.Equal(t, pagination.StopFailed, res.StopReason)
	assert.False(t, res.Complete)
	assert.Equal(t, 2, res.Written, "records accepted before the failure are flushed")

	exists, err := afero.Exists(fs, output)
	require.NoError(t, err)
	assert.True(t, exists)

	cp, ok := loadCheckpoint(t, fs)
	require.True(t, ok)
	assert.Equal(t, "8", cp.LastRecordID)
}

func TestRun_SubjectNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	fake := testutil.NewFakeRemote(gopher)
	opts := options(fs, fake)
	opts.Subject = "nobody"

	_, err := pipeline.Run(context.Background(), opts)
	assert.ErrorIs(t, err, pagination.ErrSubjectNotFound)
	assert.Zero(t, fake.FetchCalls)

	exists, _ := afero.Exists(fs, output)
	assert.False(t, exists)
}

func TestRun_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*pipeline.Options)
	}{
		{name: "empty subject", modify: func(o *pipeline.Options) { o.Subject = "" }},
		{name: "bare at sign", modify: func(o *pipeline.Options) { o.Subject = " @ " }},
		{name: "empty output", modify: func(o *pipeline.Options) { o.Output = "" }},
		{name: "wrong extension", modify: func(o *pipeline.Options) { o.Output = "/out/gopher.csv" }},
		{name: "empty duration", modify: func(o *pipeline.Options) { o.Duration = "" }},
		{name: "unparseable duration", modify: func(o *pipeline.Options) { o.Duration = "soon" }},
		{name: "no remote", modify: func(o *pipeline.Options) { o.Remote = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeRemote(gopher, testutil.Items(at("9", time.Hour)))
			opts := options(afero.NewMemMapFs(), fake)
			tt.modify(&opts)

			_, err := pipeline.Run(context.Background(), opts)
			assert.ErrorIs(t, err, pipeline.ErrInvalidInput)
			assert.Zero(t, fake.ResolveCalls)
		})
	}
}

func TestRun_WriteFailuresAreFatal(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	fake := testutil.NewFakeRemote(gopher, testutil.Items(
		at("9", time.Hour), at("8", 2*time.Hour), at("7", 3*time.Hour),
		at("6", 4*time.Hour), at("5", 5*time.Hour),
	))
	opts := options(fs, fake)
	opts.Writer = writer.Config{BatchSize: 1}

	res, err := pipeline.Run(context.Background(), opts)
	assert.ErrorIs(t, err, writer.ErrTooManyWriteFailures)
	assert.False(t, res.Complete)
	assert.Zero(t, res.Written)
	assert.Equal(t, 3, res.Accepted)
}

// cancelingLimiter cancels the run on the n-th paced request.
type cancelingLimiter struct {
	*ratelimit.RateLimiter
	cancel context.CancelFunc
	n      int
	calls  int
}

func (l *cancelingLimiter) WaitBeforeRequest(ctx context.Context) error {
	l.calls++
	if l.calls == l.n {
		l.cancel()
	}
	return l.RateLimiter.WaitBeforeRequest(ctx)
}

func TestRun_CanceledKeepsAcceptedRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items(at("9", time.Hour), at("8", 2*time.Hour)),
		testutil.Items(at("7", 3*time.Hour)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := options(fs, fake)
	// Request 1 resolves the subject, 2 fetches the first page.
	opts.Limiter = &cancelingLimiter{
		RateLimiter: ratelimit.New(ratelimit.DefaultConfig(), testLogger(), ratelimit.WithSleeper(noSleep)),
		cancel:      cancel,
		n:           3,
	}

	res, err := pipeline.Run(ctx, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pagination.StopFailed, res.StopReason)
	assert.Equal(t, 2, res.Written)

	exists, _ := afero.Exists(fs, output)
	assert.True(t, exists)
}

// cancelingRemote cancels the run once the first page has been served.
type cancelingRemote struct {
	*testutil.FakeRemote
	cancel context.CancelFunc
}

func (r *cancelingRemote) FetchPage(ctx context.Context, subject remote.Subject, cursor string) (remote.Page, error) {
	page, err := r.FakeRemote.FetchPage(ctx, subject, cursor)
	if cursor == "" {
		r.cancel()
	}
	return page, err
}

func TestRun_CanceledMidPageFlushesBufferedRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := &cancelingRemote{
		FakeRemote: testutil.NewFakeRemote(gopher,
			testutil.Items(at("9", time.Hour), at("8", 2*time.Hour), at("7", 3*time.Hour)),
			testutil.Items(at("6", 4*time.Hour)),
		),
		cancel: cancel,
	}
	opts := options(fs, fake)
	opts.Writer = writer.Config{BatchSize: 2, CheckpointInterval: 1}

	res, err := pipeline.Run(ctx, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 3, res.Written, "the size flush after cancellation must not lose its batch")

	cp, ok := loadCheckpoint(t, fs)
	require.True(t, ok)
	assert.Equal(t, "7", cp.LastRecordID)
	assert.Equal(t, 3, cp.Count)
}

func TestRun_OverHTTP(t *testing.T) {
	mock := testutil.NewMockRemote()
	defer mock.Close()
	mock.AddUser(testutil.MockUser{
		ID:       "42",
		Username: "gopher",
		Name:     "Gopher",
		Posts:    testutil.Posts(10, time.Now().UTC()),
	})

	cfg := remote.DefaultConfig(mock.URL(), "token")
	cfg.PageSize = 4
	client, err := remote.NewHTTPClient(cfg, nil, testLogger())
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "nested", "gopher.parquet")
	opts := options(nil, client)
	opts.Output = out
	opts.Writer = writer.Config{BatchSize: 3, CheckpointInterval: 3}

	res, err := pipeline.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, res.Complete)
	assert.Equal(t, 10, res.Written)
	assert.Equal(t, 3, res.Pages)

	rdr, err := file.OpenParquetFile(out, false)
	require.NoError(t, err)
	defer rdr.Close()
	assert.EqualValues(t, 10, rdr.NumRows())

	_, err = os.Stat(checkpoint.Path(out))
	assert.True(t, os.IsNotExist(err), "checkpoint removed after a complete run")
}
