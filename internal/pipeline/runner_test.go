package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pulseboard/ingest/internal/config"
	"github.com/pulseboard/ingest/internal/fetch"
	"github.com/pulseboard/ingest/internal/pipeline"
	"github.com/pulseboard/ingest/internal/transform"
)

// ===== FAKES =====

type fakeStream struct {
	payloads []*fetch.RawPayload
	err      error
	idx      int
	closed   bool

	// onNext fires after each successful Next with the 1-based payload
	// index, before the runner processes the payload.
	onNext func(consumed int)
}

func (s *fakeStream) Next() bool {
	if s.idx >= len(s.payloads) {
		return false
	}
	s.idx++
	if s.onNext != nil {
		s.onNext(s.idx)
	}
	return true
}

func (s *fakeStream) Value() *fetch.RawPayload { return s.payloads[s.idx-1] }
func (s *fakeStream) Err() error               { return s.err }
func (s *fakeStream) Pages() int               { return s.idx }
func (s *fakeStream) Close() error             { s.closed = true; return nil }

type fakeLoader struct {
	batches        [][]*transform.Record
	failOnCall     int // 1-based LoadBatch call that fails, 0 for never
	rejectPerBatch int
}

func (l *fakeLoader) LoadBatch(_ context.Context, records []*transform.Record) (*pipeline.LoadResult, error) {
	call := len(l.batches) + 1
	if l.failOnCall == call {
		return nil, errors.New("connection reset by peer")
	}
	l.batches = append(l.batches, append([]*transform.Record(nil), records...))
	return &pipeline.LoadResult{
		Loaded:   len(records) - l.rejectPerBatch,
		Rejected: l.rejectPerBatch,
	}, nil
}

type fakeRuns struct {
	created  []*pipeline.Run
	statuses []pipeline.Status
}

func (r *fakeRuns) CreateRun(_ context.Context, run *pipeline.Run) error {
	r.created = append(r.created, run)
	return nil
}

func (r *fakeRuns) UpdateRun(_ context.Context, run *pipeline.Run) error {
	r.statuses = append(r.statuses, run.Status)
	return nil
}

type fakeCheckpoints struct {
	current  *pipeline.Checkpoint
	advances []pipeline.Checkpoint
}

func (c *fakeCheckpoints) GetCheckpoint(_ context.Context, _ string) (*pipeline.Checkpoint, error) {
	return c.current, nil
}

func (c *fakeCheckpoints) AdvanceCheckpoint(_ context.Context, sourceID, cursor, fingerprint string) error {
	cp := pipeline.Checkpoint{
		SourceID:    sourceID,
		Cursor:      cursor,
		Fingerprint: fingerprint,
		UpdatedAt:   time.Now().UTC(),
	}
	c.current = &cp
	c.advances = append(c.advances, cp)
	return nil
}

// ===== HELPERS =====

func metricsSource() config.SourceConfig {
	return config.SourceConfig{
		ID:     "metrics",
		Entity: "metrics",
		Mapping: config.MappingConfig{
			NaturalKey:   []string{"k"},
			VersionField: "v",
			TimeFormat:   time.RFC3339,
			Fields: []config.FieldMapping{
				{Source: "k", Column: "k", Type: "text"},
				{Source: "v", Column: "v", Type: "bigint"},
			},
		},
	}
}

func recordPayload(key string, version int64) *fetch.RawPayload {
	return fetch.NewRawPayload("metrics",
		[]byte(fmt.Sprintf(`[{"k": %q, "v": %d}]`, key, version)))
}

func newRunner(t *testing.T, stream *fakeStream, loader *fakeLoader,
	runs *fakeRuns, cps *fakeCheckpoints) *pipeline.Runner {
	t.Helper()
	r := &pipeline.Runner{
		SourceID:  "metrics",
		BatchSize: 100,
		Fetch: func(_ context.Context, _ string) pipeline.PayloadStream {
			return stream
		},
		Transformer: transform.NewTransformer(metricsSource()),
		Loader:      loader,
		Runs:        runs,
		Checkpoints: cps,
		Logger:      zaptest.NewLogger(t),
	}
	return r
}

// ===== TESTS =====

func TestRunner_SuccessfulRunAdvancesCheckpoint(t *testing.T) {
	stream := &fakeStream{payloads: []*fetch.RawPayload{
		recordPayload("k1", 1),
		recordPayload("k2", 2),
		recordPayload("k3", 3),
	}}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	run, err := newRunner(t, stream, loader, runs, cps).Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSucceeded, run.Status)
	assert.Equal(t, 3, run.Counts.Fetched)
	assert.Equal(t, 3, run.Counts.Transformed)
	assert.Equal(t, 3, run.Counts.Loaded)
	assert.Equal(t, 0, run.Counts.Rejected)
	assert.Empty(t, run.LastError)
	assert.False(t, run.FinishedAt.IsZero())
	assert.True(t, stream.closed)

	require.NotNil(t, cps.current)
	assert.Equal(t, "3", cps.current.Cursor)
	assert.Equal(t, stream.payloads[2].Fingerprint, cps.current.Fingerprint)

	// running, then the terminal update
	assert.Equal(t, []pipeline.Status{pipeline.StatusRunning, pipeline.StatusSucceeded}, runs.statuses)
}

func TestRunner_FetchFailureWithNoDataFails(t *testing.T) {
	stream := &fakeStream{err: errors.New("request timed out")}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{current: &pipeline.Checkpoint{
		SourceID: "metrics", Cursor: "41", Fingerprint: "aaaa",
	}}

	run, err := newRunner(t, stream, loader, runs, cps).Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusFailed, run.Status)
	assert.Contains(t, run.LastError, "timed out")
	assert.Equal(t, 0, run.Counts.Loaded)

	// Checkpoint is untouched when nothing was committed.
	assert.Empty(t, cps.advances)
	assert.Equal(t, "41", cps.current.Cursor)
}

func TestRunner_FetchFailureAfterCommitIsPartial(t *testing.T) {
	stream := &fakeStream{
		payloads: []*fetch.RawPayload{recordPayload("k1", 1), recordPayload("k2", 2)},
		err:      errors.New("rate limited"),
	}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	r := newRunner(t, stream, loader, runs, cps)
	r.BatchSize = 1 // commit per payload so data lands before the error surfaces

	run, err := r.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusPartial, run.Status)
	assert.Contains(t, run.LastError, "rate limited")
	assert.Equal(t, 2, run.Counts.Loaded)
	assert.Equal(t, "2", cps.current.Cursor)
}

func TestRunner_TransformRejectsMakeRunPartial(t *testing.T) {
	payloads := []*fetch.RawPayload{
		recordPayload("k1", 1),
		recordPayload("k2", 2),
		fetch.NewRawPayload("metrics", []byte(`[{"v": 3}]`)), // no natural key
		recordPayload("k4", 4),
		recordPayload("k5", 5),
	}
	stream := &fakeStream{payloads: payloads}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	run, err := newRunner(t, stream, loader, runs, cps).Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusPartial, run.Status)
	assert.Equal(t, 5, run.Counts.Fetched)
	assert.Equal(t, 4, run.Counts.Transformed)
	assert.Equal(t, 4, run.Counts.Loaded)
	assert.Equal(t, 1, run.Counts.Rejected)
	assert.Equal(t, "5", cps.current.Cursor)
}

func TestRunner_MalformedPayloadRejectsAsUnit(t *testing.T) {
	stream := &fakeStream{payloads: []*fetch.RawPayload{
		recordPayload("k1", 1),
		fetch.NewRawPayload("metrics", []byte(`%%not json%%`)),
		recordPayload("k3", 3),
	}}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	run, err := newRunner(t, stream, loader, runs, cps).Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusPartial, run.Status)
	assert.Equal(t, 3, run.Counts.Fetched)
	assert.Equal(t, 2, run.Counts.Loaded)
	assert.Equal(t, 1, run.Counts.Rejected)
}

func TestRunner_LoadFailureBeforeAnyCommitFails(t *testing.T) {
	stream := &fakeStream{payloads: []*fetch.RawPayload{recordPayload("k1", 1)}}
	loader := &fakeLoader{failOnCall: 1}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	run, err := newRunner(t, stream, loader, runs, cps).Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusFailed, run.Status)
	assert.Contains(t, run.LastError, "connection reset")
	assert.Empty(t, cps.advances)
}

func TestRunner_LoadFailureAfterCommitIsPartial(t *testing.T) {
	stream := &fakeStream{payloads: []*fetch.RawPayload{
		recordPayload("k1", 1),
		recordPayload("k2", 2),
		recordPayload("k3", 3),
	}}
	loader := &fakeLoader{failOnCall: 2}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	r := newRunner(t, stream, loader, runs, cps)
	r.BatchSize = 1

	run, err := r.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusPartial, run.Status)
	assert.Equal(t, 1, run.Counts.Loaded)
	// The checkpoint stops at the last acknowledged batch.
	assert.Equal(t, "1", cps.current.Cursor)
}

func TestRunner_BatchSplitting(t *testing.T) {
	var payloads []*fetch.RawPayload
	for i := 1; i <= 5; i++ {
		payloads = append(payloads, recordPayload(fmt.Sprintf("k%d", i), int64(i)))
	}
	stream := &fakeStream{payloads: payloads}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	r := newRunner(t, stream, loader, runs, cps)
	r.BatchSize = 2

	run, err := r.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSucceeded, run.Status)
	assert.Equal(t, 5, run.Counts.Loaded)
	require.Len(t, loader.batches, 3)
	assert.Len(t, loader.batches[0], 2)
	assert.Len(t, loader.batches[1], 2)
	assert.Len(t, loader.batches[2], 1)

	// Cursor moves monotonically batch by batch.
	require.Len(t, cps.advances, 3)
	assert.Equal(t, "2", cps.advances[0].Cursor)
	assert.Equal(t, "4", cps.advances[1].Cursor)
	assert.Equal(t, "5", cps.advances[2].Cursor)
}

func TestRunner_ResumesFromCheckpointCursor(t *testing.T) {
	stream := &fakeStream{payloads: []*fetch.RawPayload{recordPayload("k1", 7)}}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{current: &pipeline.Checkpoint{
		SourceID: "metrics", Cursor: "42", Fingerprint: "aaaa",
	}}

	var gotCursor string
	r := &pipeline.Runner{
		SourceID:  "metrics",
		BatchSize: 100,
		Fetch: func(_ context.Context, cursor string) pipeline.PayloadStream {
			gotCursor = cursor
			return stream
		},
		Transformer: transform.NewTransformer(metricsSource()),
		Loader:      loader,
		Runs:        runs,
		Checkpoints: cps,
		Logger:      zaptest.NewLogger(t),
	}

	run, err := r.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "42", gotCursor)
	assert.Equal(t, pipeline.StatusSucceeded, run.Status)
	// A record older than the stored cursor never moves it backwards.
	assert.Equal(t, "42", cps.current.Cursor)
}

func TestRunner_CancellationBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{payloads: []*fetch.RawPayload{
		recordPayload("k1", 1),
		recordPayload("k2", 2),
		recordPayload("k3", 3),
	}}
	stream.onNext = func(consumed int) {
		if consumed == 2 {
			cancel()
		}
	}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	r := newRunner(t, stream, loader, runs, cps)
	r.BatchSize = 1

	run, err := r.Execute(ctx)
	require.NoError(t, err)

	// Both consumed payloads commit; the third is never fetched.
	assert.Equal(t, pipeline.StatusPartial, run.Status)
	assert.Equal(t, 2, run.Counts.Fetched)
	assert.Equal(t, 2, run.Counts.Loaded)
	assert.Contains(t, run.LastError, "canceled")
	assert.Equal(t, "2", cps.current.Cursor)
}

func TestRunner_CancellationBeforeAnyCommitFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{payloads: []*fetch.RawPayload{
		recordPayload("k1", 1),
		recordPayload("k2", 2),
	}}
	stream.onNext = func(consumed int) {
		if consumed == 1 {
			cancel()
		}
	}
	loader := &fakeLoader{}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	run, err := newRunner(t, stream, loader, runs, cps).Execute(ctx)
	require.NoError(t, err)

	// BatchSize 100: the only record is still buffered at cancel time.
	assert.Equal(t, pipeline.StatusFailed, run.Status)
	assert.Equal(t, 0, run.Counts.Loaded)
	assert.Empty(t, cps.advances)
}

func TestRunner_LoadRejectsCountTowardPartial(t *testing.T) {
	stream := &fakeStream{payloads: []*fetch.RawPayload{
		recordPayload("k1", 1),
		recordPayload("k2", 2),
	}}
	loader := &fakeLoader{rejectPerBatch: 1}
	runs := &fakeRuns{}
	cps := &fakeCheckpoints{}

	run, err := newRunner(t, stream, loader, runs, cps).Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusPartial, run.Status)
	assert.Equal(t, 1, run.Counts.Loaded)
	assert.Equal(t, 1, run.Counts.Rejected)
}
