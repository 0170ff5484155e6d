// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mirror

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/asch/blkmirror/internal/blockdev"
	"github.com/asch/blkmirror/internal/metrics"
)

const DefaultChunkSize = 1 << 20

// Pause before chunks which failed to copy are tried again.
const retryInterval = 100 * time.Millisecond

var (
	ErrNotReady = errors.New("mirror job is not synced yet")
	ErrMismatch = errors.New("source and target differ")
)

// ErrorAction tells the job what to do when copying a chunk fails.
type ErrorAction int

const (
	// Report stops the job with the error.
	Report ErrorAction = iota
	// Ignore logs the error and copies the chunk again later. The job does
	// not sync until it succeeds.
	Ignore
)

func ParseErrorAction(s string) (ErrorAction, error) {
	switch strings.ToLower(s) {
	case "", "report":
		return Report, nil
	case "ignore":
		return Ignore, nil
	}

	return Report, &blockdev.InvalidParameterError{Name: "on-error", Expected: "'report' or 'ignore'"}
}

type JobOptions struct {
	// Bytes per second, zero means unlimited.
	Speed int64

	// Copy everything the source reads, including its backing chain, not
	// only what is allocated above the shared backing device.
	Full bool

	ChunkSize int64

	OnSourceError ErrorAction
	OnTargetError ErrorAction

	// Compare source and target on Complete.
	Verify bool
}

// Job copies the data present in the source to the target of a mirror while
// the mirror duplicates new writes. Once everything is copied the job is
// synced and waits for Complete or Cancel.
type Job struct {
	m    *Mirror
	opts JobOptions

	limiterMu sync.Mutex
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	synced   chan struct{}
	complete chan struct{}
	done     chan struct{}
	once     sync.Once
	err      error

	copied atomic.Int64
	total  int64
}

// StartJob starts copying the source of the mirror device dev to its target.
func StartJob(dev *blockdev.Device, o JobOptions) (*Job, error) {
	m, ok := dev.Impl().(*Mirror)
	if !ok {
		return nil, &blockdev.InvalidParameterError{Name: "device", Expected: "a mirror device"}
	}

	source := m.attachedSource()
	if source == nil {
		return nil, blockdev.ErrNotAttached
	}

	if o.Speed < 0 {
		return nil, &blockdev.InvalidParameterError{Name: "speed", Expected: "a non-negative number"}
	}

	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}

	total, err := source.Length()
	if err != nil {
		return nil, errors.Wrap(err, "source length")
	}

	j := &Job{
		m:        m,
		opts:     o,
		limiter:  rate.NewLimiter(rate.Inf, int(o.ChunkSize)),
		synced:   make(chan struct{}),
		complete: make(chan struct{}),
		done:     make(chan struct{}),
		total:    total,
	}
	j.setLimit(o.Speed)
	j.ctx, j.cancel = context.WithCancel(context.Background())

	go j.run()

	log.Info().Str("source", source.Filename()).Str("target", m.target.Filename()).
		Int64("length", total).Bool("full", o.Full).Msg("Mirror job started.")

	return j, nil
}

func (j *Job) run() {
	defer close(j.done)
	defer j.cancel()

	if err := j.pass(); err != nil {
		j.err = err
		log.Info().Err(err).Msg("Mirror job failed.")
		return
	}

	close(j.synced)
	log.Info().Int64("copied", j.copied.Load()).Msg("Mirror job synced.")

	select {
	case <-j.complete:
		j.err = j.finish()
	case <-j.ctx.Done():
		j.err = j.ctx.Err()
	}
}

// Range which failed to copy and waits for another attempt.
type span struct {
	off, n int64
}

// Walks the source and copies every chunk allocated above the base. Chunks
// failing with the Ignore action are copied again until all of them succeed.
func (j *Job) pass() error {
	var base *blockdev.Device
	if !j.opts.Full {
		base = j.m.SharedBacking()
	}

	source := j.m.attachedSource()
	if source == nil {
		return blockdev.ErrNotAttached
	}

	buf := make([]byte, j.opts.ChunkSize)

	retry, err := j.copySpan(source, base, buf, span{0, j.total}, true)
	if err != nil {
		return err
	}

	for len(retry) > 0 {
		log.Info().Int("chunks", len(retry)).Msg("Retrying failed chunks.")

		select {
		case <-time.After(retryInterval):
		case <-j.ctx.Done():
			return j.ctx.Err()
		}

		var next []span
		for _, s := range retry {
			failed, err := j.copySpan(source, base, buf, s, false)
			if err != nil {
				return err
			}
			next = append(next, failed...)
		}
		retry = next
	}

	return nil
}

// Copies allocated chunks of s and returns those which failed and should be
// tried again. Progress is published only by the first walk.
func (j *Job) copySpan(source, base *blockdev.Device, buf []byte, s span, progress bool) ([]span, error) {
	var failed []span

	for off, end := s.off, s.off+s.n; off < end; {
		if err := j.ctx.Err(); err != nil {
			return nil, err
		}

		n := end - off
		if n > j.opts.ChunkSize {
			n = j.opts.ChunkSize
		}

		allocated, pnum, err := blockdev.IsAllocatedAbove(j.ctx, source, base, off, n)
		if err != nil {
			if j.opts.OnSourceError == Report {
				return nil, errors.Wrapf(err, "query allocation at %d", off)
			}
			log.Info().Err(err).Int64("offset", off).Msg("Allocation unknown, chunk will be retried.")
			allocated, pnum = false, n
			failed = append(failed, span{off, n})
		}
		if pnum <= 0 || pnum > n {
			pnum = n
		}

		if allocated {
			ok, err := j.copyChunk(buf[:pnum], off)
			if err != nil {
				return nil, err
			}
			if !ok {
				failed = append(failed, span{off, pnum})
			}
		}

		off += pnum
		if progress {
			metrics.RecordJobProgress(off, j.total)
			j.copied.Store(off)
		}
	}

	return failed, nil
}

// Copies one chunk. It returns false when the copy failed and the error
// action asks for another attempt.
func (j *Job) copyChunk(p []byte, off int64) (bool, error) {
	if err := j.wait(len(p)); err != nil {
		return false, err
	}

	err := j.m.copyRange(p, off)
	if err == nil {
		metrics.RecordJobCopied(int64(len(p)))
		return true, nil
	}

	action := j.opts.OnSourceError
	var ce *copyError
	if errors.As(err, &ce) && ce.target {
		action = j.opts.OnTargetError
	}

	if action == Report {
		return false, errors.Wrapf(err, "copy at %d", off)
	}

	log.Info().Err(err).Int64("offset", off).Int("length", len(p)).Msg("Copy failed, chunk will be retried.")

	return false, nil
}

func (j *Job) wait(n int) error {
	j.limiterMu.Lock()
	l := j.limiter
	j.limiterMu.Unlock()

	return l.WaitN(j.ctx, n)
}

// Makes the target durable and optionally verifies it against the source.
func (j *Job) finish() error {
	ctx := context.Background()
	target := j.m.target

	// The target is opened with NoFlush, hence the driver is asked directly.
	if f, ok := target.Impl().(blockdev.Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			return errors.Wrap(err, "flush target")
		}
	}

	if !j.opts.Verify {
		return nil
	}

	source := j.m.attachedSource()
	if source == nil {
		return blockdev.ErrNotAttached
	}

	off, err := Compare(ctx, source, target, j.opts.ChunkSize)
	if err != nil {
		return errors.Wrap(err, "verify")
	}

	if off >= 0 {
		return errors.Wrapf(ErrMismatch, "at offset %d", off)
	}

	log.Info().Msg("Mirror target verified.")

	return nil
}

func (j *Job) setLimit(speed int64) {
	j.limiterMu.Lock()
	defer j.limiterMu.Unlock()

	if speed == 0 {
		j.limiter.SetLimit(rate.Inf)
		return
	}

	j.limiter.SetLimit(rate.Limit(speed))
	j.limiter.SetBurst(int(j.opts.ChunkSize))
}

// SetSpeed changes the copy rate limit in bytes per second, zero removes it.
func (j *Job) SetSpeed(speed int64) error {
	if speed < 0 {
		return &blockdev.InvalidParameterError{Name: "speed", Expected: "a non-negative number"}
	}

	j.setLimit(speed)

	return nil
}

// Synced is closed once all data are copied and writes to the target are
// only the duplicated ones.
func (j *Job) Synced() <-chan struct{} {
	return j.synced
}

// Done is closed when the job terminated.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the result of a terminated job.
func (j *Job) Err() error {
	<-j.done
	return j.err
}

// Progress returns number of bytes processed and the length of the source.
func (j *Job) Progress() (int64, int64) {
	return j.copied.Load(), j.total
}

// Complete terminates the synced job, leaving the target consistent with the
// source. It fails with ErrNotReady when the job has not synced yet.
func (j *Job) Complete() error {
	select {
	case <-j.synced:
	case <-j.done:
		return j.err
	default:
		return ErrNotReady
	}

	j.once.Do(func() { close(j.complete) })

	return j.Err()
}

// Cancel stops the job. Canceling a running or synced job returns
// context.Canceled.
func (j *Job) Cancel() error {
	j.cancel()
	return j.Err()
}
