package segmenter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/reliability"
)

// WorkerConfig controls the external segmentation process.
type WorkerConfig struct {
	// Command is the worker argv; Command[0] is resolved through PATH.
	Command []string
	// Env is appended to the inherited environment.
	Env []string

	Framing        Framing
	RequestTimeout time.Duration
	// MaxPending bounds the number of requests waiting for a response. Zero means unbounded.
	MaxPending int

	// StartupTimeout bounds the priming request sent right after the first start.
	// Zero skips the probe.
	StartupTimeout time.Duration

	// RestartLimit is the number of consecutive automatic restarts after the worker
	// exits. Zero disables restarts.
	RestartLimit      int
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Worker owns one long-lived segmentation process and the line channel to it.
type Worker struct {
	cfg     WorkerConfig
	log     *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	queue   *pendingQueue

	mu       sync.Mutex
	proc     *workerProcess
	closed   bool
	restarts int
	lastErr  error
	done     chan struct{}
}

type workerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writes chan []byte
	stderr *tailBuffer
	exited chan struct{}
}

// defaultTombstoneGrace bounds how long an abandoned request may wait for its
// response when no request timeout is configured.
const defaultTombstoneGrace = 30 * time.Second

// StartWorker launches the worker and, when configured, waits for a priming
// request to round-trip so dependency errors surface at start-up.
func StartWorker(cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("segmentation worker command is empty")
	}
	if cfg.Framing == "" {
		cfg.Framing = FramingFIFO
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 500 * time.Millisecond
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "segmenter")),
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("github.com/ent0n29/avatarbridge/internal/segmenter"),
		queue:   newPendingQueue(cfg.MaxPending),
		done:    make(chan struct{}),
	}

	p, err := w.spawn()
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.proc = p
	w.mu.Unlock()

	if cfg.StartupTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupTimeout)
		defer cancel()
		if _, err := w.Split(ctx, "Priming the model."); err != nil {
			msg := p.stderr.String()
			_ = w.Close()
			if msg == "" {
				msg = err.Error()
			}
			return nil, fmt.Errorf("segmentation worker failed to start: %s", msg)
		}
	}

	w.log.Info("segmentation worker started",
		slog.String("command", strings.Join(cfg.Command, " ")),
		slog.String("framing", string(cfg.Framing)),
		slog.Int("pid", p.cmd.Process.Pid),
	)
	return w, nil
}

func (w *Worker) spawn() (*workerProcess, error) {
	cmd := exec.Command(w.cfg.Command[0], w.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, w.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start segmentation worker: %w", err)
	}

	writeBuffer := w.cfg.MaxPending
	if writeBuffer <= 0 {
		writeBuffer = 1024
	}
	p := &workerProcess{
		cmd:    cmd,
		stdin:  stdin,
		writes: make(chan []byte, writeBuffer),
		stderr: newTailBuffer(8 << 10),
		exited: make(chan struct{}),
	}
	go w.writeLoop(p)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		w.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		w.drainStderr(stderr, p.stderr)
	}()
	go func() {
		// Wait must not run before the pipes are fully read.
		readers.Wait()
		w.handleExit(p, cmd.Wait())
	}()
	return p, nil
}

// Submit writes text to the worker and returns a channel that receives exactly
// one Result. The request is queued before Submit returns, so the order of
// Submit calls is the order responses are matched in.
func (w *Worker) Submit(ctx context.Context, text string) (<-chan Result, error) {
	req, err := w.enqueue(text)
	if err != nil {
		return nil, err
	}
	out := make(chan Result, 1)
	go func() {
		out <- w.await(ctx, req)
	}()
	return out, nil
}

// Split segments text into sentences, blocking until the worker answers, the
// request times out, or ctx is done.
func (w *Worker) Split(ctx context.Context, text string) ([]string, error) {
	ctx, span := w.tracer.Start(ctx, "segmenter.submit", trace.WithAttributes(
		attribute.Int("text.length", len(text)),
		attribute.String("segmenter.framing", string(w.cfg.Framing)),
	))
	defer span.End()

	req, err := w.enqueue(text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res := w.await(ctx, req)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return nil, res.Err
	}
	span.SetAttributes(attribute.Int("segmenter.sentences", len(res.Sentences)))
	return res.Sentences, nil
}

func (w *Worker) enqueue(text string) (*pendingRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.proc == nil {
		if w.lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, w.lastErr)
		}
		return nil, ErrWorkerUnavailable
	}

	req := newPendingRequest(uuid.NewString())
	line, err := encodeRequest(w.cfg.Framing, req.id, text)
	if err != nil {
		return nil, err
	}
	if err := w.queue.enqueue(req); err != nil {
		w.metrics.SegmenterEvent("queue_full")
		return nil, err
	}
	// Queueing and handing the line to the writer both happen under mu, so the
	// write order is the queue order. The write itself never runs under mu.
	select {
	case w.proc.writes <- line:
	default:
		w.queue.remove(req)
		w.metrics.SegmenterEvent("queue_full")
		return nil, ErrQueueFull
	}
	w.metrics.SegmenterEvent("submitted")
	w.metrics.SetSegmenterPending(w.queue.len())
	return req, nil
}

func (w *Worker) await(ctx context.Context, req *pendingRequest) Result {
	var timeout <-chan time.Time
	if w.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(w.cfg.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-req.done:
		return r
	case <-timeout:
		if w.abandon(req) {
			w.metrics.SegmenterEvent("timeout")
			w.metrics.SetSegmenterPending(w.queue.len())
			w.log.Warn("segmentation request timed out",
				slog.String("request_id", req.id),
				slog.Duration("timeout", w.cfg.RequestTimeout),
			)
			return Result{Err: fmt.Errorf("%w after %s", ErrTimeout, w.cfg.RequestTimeout)}
		}
		return <-req.done
	case <-ctx.Done():
		if w.abandon(req) {
			w.metrics.SetSegmenterPending(w.queue.len())
			return Result{Err: ctx.Err()}
		}
		return <-req.done
	}
}

// abandon releases the caller of req without waiting for the worker. Tagged
// responses carry their id, so the request simply leaves the queue. Positional
// responses do not, so the slot stays behind as a tombstone that swallows the
// late response; a tombstone that reaches the head and stays unanswered means
// the response was lost and the worker is restarted to get back in step.
func (w *Worker) abandon(req *pendingRequest) bool {
	if w.cfg.Framing == FramingTagged {
		return w.queue.remove(req)
	}
	if !w.queue.abandon(req) {
		return false
	}
	grace := w.cfg.RequestTimeout
	if grace <= 0 {
		grace = defaultTombstoneGrace
	}
	w.watchTombstone(req, grace)
	return true
}

func (w *Worker) watchTombstone(req *pendingRequest, grace time.Duration) {
	time.AfterFunc(grace, func() {
		switch w.queue.position(req) {
		case -1:
			return
		case 0:
			w.resync(req)
		default:
			w.watchTombstone(req, grace)
		}
	})
}

func (w *Worker) resync(req *pendingRequest) {
	w.mu.Lock()
	p := w.proc
	closed := w.closed
	w.mu.Unlock()
	if p == nil || closed {
		return
	}
	w.metrics.SegmenterEvent("resync")
	w.log.Error("segmentation response lost, restarting worker",
		slog.String("request_id", req.id),
		slog.Duration("waited", time.Since(req.enqueuedAt)),
		slog.Int("pending", w.queue.len()),
	)
	_ = p.cmd.Process.Kill()
}

// writeLoop feeds stdin for one process. A failed write kills the process so
// the exit path fails the requests that were never delivered.
func (w *Worker) writeLoop(p *workerProcess) {
	for {
		select {
		case <-p.exited:
			return
		case line := <-p.writes:
			if _, err := p.stdin.Write(line); err != nil {
				select {
				case <-p.exited:
				default:
					w.log.Warn("segmentation worker stdin write failed", slog.String("error", err.Error()))
					_ = p.cmd.Process.Kill()
				}
				return
			}
		}
	}
}

func (w *Worker) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		w.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		w.log.Warn("segmentation worker stdout read failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) handleLine(raw []byte) {
	line := parseResponseLine(raw)

	var res Result
	switch line.kind {
	case lineNoise:
		if text := strings.TrimSpace(string(raw)); text != "" {
			w.log.Debug("segmentation worker output", slog.String("line", text))
		}
		w.metrics.SegmenterEvent("discarded_line")
		return
	case lineSentences:
		res = Result{Sentences: line.sentences}
	case lineError:
		w.metrics.SegmenterEvent("worker_error")
		res = Result{Err: &WorkerError{Message: line.message}}
	case lineMalformed:
		w.metrics.SegmenterEvent("malformed_line")
		res = Result{Err: fmt.Errorf("%w: %s", ErrMalformedResponse, line.message)}
	}

	var (
		req *pendingRequest
		ok  bool
	)
	if w.cfg.Framing == FramingTagged {
		if line.id == "" {
			w.log.Warn("dropping segmentation response without request id",
				slog.String("line", strings.TrimSpace(string(raw))),
			)
			w.metrics.SegmenterEvent("unmatched_response")
			return
		}
		req, ok = w.queue.popID(line.id)
	} else {
		req, ok = w.queue.popHead()
	}
	if !ok {
		w.log.Warn("dropping segmentation response with no pending request", slog.String("request_id", line.id))
		w.metrics.SegmenterEvent("dropped_response")
		return
	}
	if req.abandoned {
		w.log.Debug("discarding late segmentation response",
			slog.String("request_id", req.id),
			slog.Duration("elapsed", time.Since(req.enqueuedAt)),
		)
		w.metrics.SegmenterEvent("late_response")
		return
	}
	req.resolve(res)

	if res.Err == nil {
		w.metrics.SegmenterEvent("resolved")
		w.mu.Lock()
		w.restarts = 0
		w.mu.Unlock()
	}
	w.metrics.SetSegmenterPending(w.queue.len())
	w.log.Debug("segmentation request resolved",
		slog.String("request_id", req.id),
		slog.Int("sentences", len(res.Sentences)),
		slog.Duration("elapsed", time.Since(req.enqueuedAt)),
	)
}

func (w *Worker) drainStderr(r io.Reader, tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		_, _ = tail.Write([]byte(text + "\n"))
		w.log.Warn("segmentation worker stderr", slog.String("line", text))
	}
}

func (w *Worker) handleExit(p *workerProcess, waitErr error) {
	close(p.exited)

	w.mu.Lock()
	if w.proc == p {
		w.proc = nil
	}
	closed := w.closed
	if !closed {
		w.lastErr = exitError(waitErr, p.stderr.String())
	}
	w.mu.Unlock()

	failWith := ErrWorkerExited
	if closed {
		failWith = ErrClosed
	}
	stale := w.queue.drain()
	for _, req := range stale {
		req.resolve(Result{Err: failWith})
	}
	w.metrics.SetSegmenterPending(0)

	if closed {
		w.log.Info("segmentation worker stopped")
		return
	}

	w.metrics.SegmenterEvent("worker_exit")
	attrs := []any{slog.Int("failed_pending", len(stale))}
	if waitErr != nil {
		attrs = append(attrs, slog.String("error", waitErr.Error()))
	}
	if tail := p.stderr.String(); tail != "" {
		attrs = append(attrs, slog.String("stderr_tail", lastLine(tail)))
	}
	w.log.Error("segmentation worker exited", attrs...)

	w.restart()
}

func (w *Worker) restart() {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		if w.restarts >= w.cfg.RestartLimit {
			w.mu.Unlock()
			w.log.Error("segmentation worker restart limit reached", slog.Int("limit", w.cfg.RestartLimit))
			return
		}
		attempt := w.restarts
		w.restarts++
		w.mu.Unlock()

		delay := reliability.ExponentialBackoff(attempt, w.cfg.RestartBackoff, w.cfg.RestartBackoffMax)
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		p, err := w.spawn()
		if err != nil {
			w.log.Error("segmentation worker restart failed", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
			w.mu.Lock()
			w.lastErr = err
			w.mu.Unlock()
			continue
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			_ = p.cmd.Process.Kill()
			return
		}
		w.proc = p
		w.mu.Unlock()

		w.metrics.SegmenterEvent("restart")
		w.log.Info("segmentation worker restarted", slog.Int("attempt", attempt+1), slog.Int("pid", p.cmd.Process.Pid))
		return
	}
}

// Healthy reports whether a worker process is currently accepting requests.
func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && w.proc != nil
}

func (w *Worker) Framing() Framing { return w.cfg.Framing }

// Pending returns the number of requests waiting for a worker response.
func (w *Worker) Pending() int {
	return w.queue.len()
}

// Close stops the worker. Pending requests fail with ErrClosed.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	p := w.proc
	w.mu.Unlock()

	if p == nil {
		for _, req := range w.queue.drain() {
			req.resolve(Result{Err: ErrClosed})
		}
		return nil
	}

	_ = p.stdin.Close()
	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-time.After(1200 * time.Millisecond):
		_ = p.cmd.Process.Kill()
		<-p.exited
	case <-p.exited:
	}
	return nil
}

func exitError(waitErr error, stderr string) error {
	msg := "worker exited"
	if waitErr != nil {
		msg = waitErr.Error()
	}
	if line := lastLine(stderr); line != "" {
		msg += ": " + line
	}
	return errors.New(msg)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
