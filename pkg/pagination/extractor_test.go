package pagination_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/tweet-puller/internal/testutil"
	"github.com/Sternrassler/tweet-puller/pkg/pagination"
	"github.com/Sternrassler/tweet-puller/pkg/ratelimit"
	"github.com/Sternrassler/tweet-puller/pkg/remote"
)

var gopher = remote.Subject{ID: "42", ScreenName: "gopher", Name: "Gopher"}

type sleepLog struct {
	sleeps []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sleeps = append(s.sleeps, d)
	return nil
}

func newExtractor(t *testing.T, r remote.Remote) (*pagination.Extractor, *sleepLog) {
	t.Helper()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	sleeps := &sleepLog{}
	limiter := ratelimit.New(ratelimit.DefaultConfig(), logger, ratelimit.WithSleeper(sleeps.sleep))
	return pagination.NewExtractor(r, limiter, logger), sleeps
}

func drain(ctx context.Context, s *pagination.Stream) []string {
	var ids []string
	for s.Next(ctx) {
		ids = append(ids, s.Record().ID())
	}
	return ids
}

func rateLimited() error {
	return &remote.Error{Kind: remote.KindRateLimited, StatusCode: 429}
}

func TestExtract_Exhausted(t *testing.T) {
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items([2]string{"9", "2024-05-01T12:00:00Z"}, [2]string{"8", "2024-05-01T11:00:00Z"}),
		testutil.Items([2]string{"7", "2024-05-01T10:00:00Z"}),
		testutil.Items([2]string{"6", "2024-05-01T09:00:00Z"}, [2]string{"5", "2024-05-01T08:00:00Z"}),
	)
	ex, _ := newExtractor(t, fake)
	ctx := context.Background()

	stream := ex.Extract(ctx, gopher, time.Time{})
	ids := drain(ctx, stream)

	assert.Equal(t, []string{"9", "8", "7", "6", "5"}, ids)
	assert.Equal(t, pagination.StopExhausted, stream.StopReason())
	assert.True(t, stream.StopReason().Complete())
	assert.NoError(t, stream.Err())
	assert.Equal(t, 3, stream.Pages())
	assert.Equal(t, 5, stream.Emitted())
	assert.Equal(t, []string{"", "1", "2"}, fake.Cursors)

	assert.False(t, stream.Next(ctx), "ended stream must stay ended")
	assert.Equal(t, 3, fake.FetchCalls)
}

func TestExtract_EmptyCollection(t *testing.T) {
	fake := testutil.NewFakeRemote(gopher)
	ex, _ := newExtractor(t, fake)
	ctx := context.Background()

	stream := ex.Extract(ctx, gopher, time.Time{})
	assert.Empty(t, drain(ctx, stream))
	assert.Equal(t, pagination.StopExhausted, stream.StopReason())
	assert.Equal(t, 1, stream.Pages())
}

func TestExtract_Cutoff(t *testing.T) {
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items([2]string{"9", "2024-05-10T00:00:00Z"}, [2]string{"8", "2024-05-09T00:00:00Z"}),
		testutil.Items([2]string{"7", "2024-05-08T00:00:00Z"}, [2]string{"6", "2024-05-06T00:00:00Z"}, [2]string{"5", "2024-05-09T12:00:00Z"}),
		testutil.Items([2]string{"4", "2024-05-05T00:00:00Z"}),
	)
	ex, _ := newExtractor(t, fake)
	ctx := context.Background()

	cutoff := time.Date(2024, 5, 7, 0, 0, 0, 0, time.UTC)
	stream := ex.Extract(ctx, gopher, cutoff)

	var emitted []time.Time
	for stream.Next(ctx) {
		ts, ok := stream.Record().Timestamp()
		require.True(t, ok)
		emitted = append(emitted, ts)
	}

	assert.Len(t, emitted, 3)
	for _, ts := range emitted {
		assert.False(t, ts.Before(cutoff), "record at %v is older than cutoff", ts)
	}
	assert.Equal(t, pagination.StopCutoff, stream.StopReason())
	assert.NoError(t, stream.Err())
	assert.Equal(t, 2, fake.FetchCalls, "no page may be fetched after the cutoff was reached")
}

func TestExtract_UndatedRecordsAreEmitted(t *testing.T) {
	fake := testutil.NewFakeRemote(gopher, []remote.Item{
		{"id": "1", "text": "no date"},
		{"id": "2", "text": "bad date", "created_at": "yesterday"},
	})
	ex, _ := newExtractor(t, fake)
	ctx := context.Background()

	stream := ex.Extract(ctx, gopher, time.Now())
	assert.Equal(t, []string{"1", "2"}, drain(ctx, stream))
	assert.Equal(t, pagination.StopExhausted, stream.StopReason())
}

func TestExtract_RateLimitRecovers(t *testing.T) {
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items([2]string{"2", "2024-05-01T12:00:00Z"}),
		testutil.Items([2]string{"1", "2024-05-01T11:00:00Z"}),
	)
	fake.FailPage(1, rateLimited(), rateLimited())
	ex, sleeps := newExtractor(t, fake)
	ctx := context.Background()

	stream := ex.Extract(ctx, gopher, time.Time{})
	assert.Equal(t, []string{"2", "1"}, drain(ctx, stream))
	assert.Equal(t, pagination.StopExhausted, stream.StopReason())

	var rateLimitSleeps int
	for _, d := range sleeps.sleeps {
		if d == ratelimit.FallbackRateLimitWait {
			rateLimitSleeps++
		}
	}
	assert.Equal(t, 2, rateLimitSleeps)
}

func TestExtract_RateLimitTruncates(t *testing.T) {
	fake := testutil.NewFakeRemote(gopher,
		testutil.Items([2]string{"3", "2024-05-01T12:00:00Z"}, [2]string{"2", "2024-05-01T11:00:00Z"}),
		testutil.Items([2]string{"1", "2024-05-01T10:00:00Z"}),
	)
	fake.FailPage(1, rateLimited(), rateLimited(), rateLimited())
	ex, _ := newExtractor(t, fake)
	ctx := context.Background()

	stream := ex.Extract(ctx, gopher, time.Time{})
	assert.Equal(t, []string{"3", "2"}, drain(ctx, stream))
	assert.Equal(t, pagination.StopTruncated, stream.StopReason())
	assert.False(t, stream.StopReason().Complete())
	assert.NoError(t, stream.Err(), "truncation is not reported as an error")
	assert.Equal(t, 1+pagination.MaxPageAttempts, fake.FetchCalls)
}

func TestExtract_AuthFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", &remote.Error{Kind: remote.KindUnauthorized, StatusCode: 401}},
		{"forbidden", &remote.Error{Kind: remote.KindForbidden, StatusCode: 403}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeRemote(gopher,
				testutil.Items([2]string{"2", "2024-05-01T12:00:00Z"}),
				testutil.Items([2]string{"1", "2024-05-01T11:00:00Z"}),
			)
			fake.FailPage(1, tt.err)
			ex, _ := newExtractor(t, fake)
			ctx := context.Background()

			stream := ex.Extract(ctx, gopher, time.Time{})
			assert.Equal(t, []string{"2"}, drain(ctx, stream))
			assert.Equal(t, pagination.StopFailed, stream.StopReason())
			assert.ErrorIs(t, stream.Err(), pagination.ErrAccessDenied)
			assert.True(t, remote.IsAuth(stream.Err()))
			assert.Equal(t, 2, fake.FetchCalls, "auth failures are not retried")
		})
	}
}

func TestExtract_OtherErrorFails(t *testing.T) {
	boom := &remote.Error{Kind: remote.KindServer, StatusCode: 503, Message: "unavailable"}
	fake := testutil.NewFakeRemote(gopher, testutil.Items([2]string{"1", "2024-05-01T12:00:00Z"}))
	fake.FailPage(0, boom)
	ex, _ := newExtractor(t, fake)
	ctx := context.Background()

	stream := ex.Extract(ctx, gopher, time.Time{})
	assert.Empty(t, drain(ctx, stream))
	assert.Equal(t, pagination.StopFailed, stream.StopReason())

	var rerr *remote.Error
	require.True(t, errors.As(stream.Err(), &rerr))
	assert.Equal(t, remote.KindServer, rerr.Kind)
	assert.NotErrorIs(t, stream.Err(), pagination.ErrAccessDenied)
}

func TestExtract_Canceled(t *testing.T) {
	fake := testutil.NewFakeRemote(gopher, testutil.Items([2]string{"1", "2024-05-01T12:00:00Z"}))
	fake.FailPage(0, rateLimited())
	ex, _ := newExtractor(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := ex.Extract(ctx, gopher, time.Time{})
	assert.Empty(t, drain(ctx, stream))
	assert.Equal(t, pagination.StopFailed, stream.StopReason())
	assert.ErrorIs(t, stream.Err(), context.Canceled)
}

func TestResolveSubject(t *testing.T) {
	t.Run("strips leading at sign", func(t *testing.T) {
		fake := testutil.NewFakeRemote(gopher)
		ex, _ := newExtractor(t, fake)

		subject, err := ex.ResolveSubject(context.Background(), "@gopher")
		require.NoError(t, err)
		assert.Equal(t, gopher, subject)
		assert.Equal(t, 1, fake.ResolveCalls)
	})

	t.Run("unknown subject", func(t *testing.T) {
		fake := testutil.NewFakeRemote(gopher)
		ex, _ := newExtractor(t, fake)

		_, err := ex.ResolveSubject(context.Background(), "nobody")
		assert.ErrorIs(t, err, pagination.ErrSubjectNotFound)
		assert.Equal(t, 1, fake.ResolveCalls, "not found errors are not retried")
	})

	t.Run("empty name", func(t *testing.T) {
		ex, _ := newExtractor(t, testutil.NewFakeRemote(gopher))

		_, err := ex.ResolveSubject(context.Background(), "@")
		assert.ErrorIs(t, err, pagination.ErrSubjectNotFound)
	})

	t.Run("rate limit then success", func(t *testing.T) {
		fake := testutil.NewFakeRemote(gopher)
		fake.ResolveErrs = []error{rateLimited(), rateLimited()}
		ex, _ := newExtractor(t, fake)

		subject, err := ex.ResolveSubject(context.Background(), "gopher")
		require.NoError(t, err)
		assert.Equal(t, "42", subject.ID)
		assert.Equal(t, 3, fake.ResolveCalls)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		fake := testutil.NewFakeRemote(gopher)
		fake.ResolveErrs = []error{rateLimited(), rateLimited(), rateLimited(), rateLimited()}
		ex, _ := newExtractor(t, fake)

		_, err := ex.ResolveSubject(context.Background(), "gopher")
		assert.ErrorIs(t, err, pagination.ErrSubjectNotFound)
		assert.Equal(t, pagination.MaxResolveAttempts, fake.ResolveCalls)
	})

	t.Run("auth failure", func(t *testing.T) {
		fake := testutil.NewFakeRemote(gopher)
		fake.ResolveErrs = []error{&remote.Error{Kind: remote.KindUnauthorized, StatusCode: 401}}
		ex, _ := newExtractor(t, fake)

		_, err := ex.ResolveSubject(context.Background(), "gopher")
		assert.ErrorIs(t, err, pagination.ErrSubjectNotFound)
		assert.True(t, remote.IsAuth(err))
		assert.Equal(t, 1, fake.ResolveCalls)
	})
}

func TestExtract_OverHTTP(t *testing.T) {
	mock := testutil.NewMockRemote()
	defer mock.Close()
	newest := time.Now().UTC().Truncate(time.Second)
	mock.AddUser(testutil.MockUser{ID: "42", Username: "gopher", Name: "Gopher", Posts: testutil.Posts(10, newest)})

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	cfg := remote.DefaultConfig(mock.URL(), "token")
	cfg.PageSize = 4
	client, err := remote.NewHTTPClient(cfg, nil, logger)
	require.NoError(t, err)

	ex, _ := newExtractor(t, client)
	ctx := context.Background()

	subject, err := ex.ResolveSubject(ctx, "@gopher")
	require.NoError(t, err)

	stream := ex.Extract(ctx, subject, newest.Add(-5*time.Minute))
	ids := drain(ctx, stream)

	assert.Len(t, ids, 6)
	assert.Equal(t, pagination.StopCutoff, stream.StopReason())
	assert.Equal(t, 2, stream.Pages())
}
