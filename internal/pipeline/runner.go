package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pulseboard/ingest/internal/transform"
)

// Runner executes single runs for one source: it streams payloads from
// the fetcher, transforms them, and applies normalized records to the
// store in bounded batches, advancing the checkpoint only after each
// batch commit is durably acknowledged.
type Runner struct {
	SourceID    string
	BatchSize   int
	Fetch       FetchFunc
	Transformer Transformer
	Loader      BatchLoader
	Runs        RunStore
	Checkpoints CheckpointStore
	Metrics     *Metrics
	Logger      *zap.Logger
}

// Execute performs one full run. The returned Run is always in a
// terminal state; the error reports persistence problems around the
// run record itself, not data-level failures (those are folded into
// the run status).
func (r *Runner) Execute(ctx context.Context) (*Run, error) {
	logger := r.Logger.Named("run").With(zap.String("source", r.SourceID))

	run := NewRun(r.SourceID)
	logger = logger.With(zap.String("run_id", run.ID.String()))

	if err := r.Runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	if err := run.Transition(StatusRunning); err != nil {
		return nil, err
	}
	if err := r.Runs.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	logger.Info("run started")

	outcome := r.execute(ctx, run, logger)

	if err := run.Transition(outcome.status); err != nil {
		return nil, err
	}
	run.LastError = outcome.lastError

	// Finalization must land even when the run was cancelled.
	finalCtx := context.WithoutCancel(ctx)
	if err := r.Runs.UpdateRun(finalCtx, run); err != nil {
		return nil, fmt.Errorf("finalize run record: %w", err)
	}

	r.Metrics.RunFinished(r.SourceID, run)
	logger.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int("fetched", run.Counts.Fetched),
		zap.Int("transformed", run.Counts.Transformed),
		zap.Int("loaded", run.Counts.Loaded),
		zap.Int("rejected", run.Counts.Rejected),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)))
	return run, nil
}

// outcome summarizes how a run ended before status finalization.
type runOutcome struct {
	status    Status
	lastError string
}

func (r *Runner) execute(ctx context.Context, run *Run, logger *zap.Logger) runOutcome {
	cp, err := r.Checkpoints.GetCheckpoint(ctx, r.SourceID)
	if err != nil {
		return runOutcome{StatusFailed, fmt.Sprintf("read checkpoint: %v", err)}
	}
	cursor := ""
	cursorVersion := int64(0)
	if cp != nil {
		cursor = cp.Cursor
		if v, err := strconv.ParseInt(cp.Cursor, 10, 64); err == nil {
			cursorVersion = v
		}
	}

	stream := r.Fetch(ctx, cursor)
	defer stream.Close()

	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	var (
		batch            []*transform.Record
		batchFingerprint string
		batchesCommitted int
		loadErr          error
		cancelled        bool
	)

	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		// An in-flight commit is never cancelled mid-transaction; the
		// checkpoint must not run ahead of committed data.
		commitCtx := context.WithoutCancel(ctx)

		start := time.Now()
		res, err := r.Loader.LoadBatch(commitCtx, batch)
		if err != nil {
			loadErr = err
			return false
		}
		r.Metrics.BatchCommitted(r.SourceID, len(batch), time.Since(start))

		run.Counts.Loaded += res.Loaded
		run.Counts.Rejected += res.Rejected
		batchesCommitted++

		// Advance the cursor to the newest version this batch carried,
		// never backwards.
		maxVersion := cursorVersion
		for _, rec := range batch {
			if rec.Version > maxVersion {
				maxVersion = rec.Version
			}
		}
		if err := r.Checkpoints.AdvanceCheckpoint(commitCtx, r.SourceID,
			strconv.FormatInt(maxVersion, 10), batchFingerprint); err != nil {
			loadErr = fmt.Errorf("advance checkpoint: %w", err)
			return false
		}
		cursorVersion = maxVersion
		batch = batch[:0]
		return true
	}

	for stream.Next() {
		payload := stream.Value()
		run.Counts.Fetched++
		batchFingerprint = payload.Fingerprint

		result, err := r.Transformer.Transform(payload)
		if err != nil {
			// A payload nothing could be decoded from rejects as a unit
			// and the run continues with its siblings.
			var malformed *transform.MalformedPayloadError
			if errors.As(err, &malformed) {
				logger.Warn("malformed payload rejected",
					zap.String("fingerprint", malformed.Fingerprint),
					zap.Error(malformed.Err))
				run.Counts.Rejected++
				continue
			}
			return runOutcome{StatusFailed, err.Error()}
		}

		run.Counts.Transformed += len(result.Records)
		run.Counts.Rejected += len(result.Rejects)
		for _, rej := range result.Rejects {
			logger.Warn("record rejected",
				zap.Int("index", rej.Index),
				zap.String("reason", rej.Reason))
		}

		batch = append(batch, result.Records...)
		for len(batch) >= batchSize {
			rest := append([]*transform.Record(nil), batch[batchSize:]...)
			batch = batch[:batchSize]
			if !flush() {
				break
			}
			batch = append(batch, rest...)
		}
		if loadErr != nil {
			break
		}

		// Cancellation is honored between batches only.
		if ctx.Err() != nil {
			cancelled = true
			break
		}
	}

	fetchErr := stream.Err()

	// Payloads fetched before a failure are still committed; the run
	// then finalizes as partial rather than losing them.
	if loadErr == nil && !cancelled {
		flush()
	}

	switch {
	case loadErr != nil:
		if batchesCommitted > 0 {
			return runOutcome{StatusPartial, loadErr.Error()}
		}
		return runOutcome{StatusFailed, loadErr.Error()}
	case cancelled:
		if batchesCommitted > 0 {
			return runOutcome{StatusPartial, context.Cause(ctx).Error()}
		}
		return runOutcome{StatusFailed, context.Cause(ctx).Error()}
	case fetchErr != nil:
		if batchesCommitted > 0 {
			return runOutcome{StatusPartial, fetchErr.Error()}
		}
		return runOutcome{StatusFailed, fetchErr.Error()}
	case run.Counts.Rejected > 0:
		return runOutcome{StatusPartial, ""}
	default:
		return runOutcome{StatusSucceeded, ""}
	}
}
