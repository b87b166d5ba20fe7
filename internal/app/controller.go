// Package app wires the live session together: it owns the capture
// recorder, the playback scheduler, the provider session and the
// transcript aggregator, and pumps data between them for the lifetime
// of one voice session.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verba-ai/verba/internal/observe"
	"github.com/verba-ai/verba/pkg/audio"
	"github.com/verba-ai/verba/pkg/audio/capture"
	"github.com/verba-ai/verba/pkg/audio/playback"
	"github.com/verba-ai/verba/pkg/convo"
	"github.com/verba-ai/verba/pkg/live"
)

// ErrAlreadyActive is returned by Start while a session is connecting,
// open or still tearing down.
var ErrAlreadyActive = errors.New("app: session already active")

const (
	// frameBacklog bounds the capture-to-uplink queue. A slow network
	// drops frames instead of stalling the microphone callback.
	frameBacklog = 8

	// titleTimeout caps the background title-generation request.
	titleTimeout = 15 * time.Second
)

// Titler names a conversation from its opening utterance.
// *textgen.Titler satisfies it.
type Titler interface {
	Title(ctx context.Context, utterance string) (string, error)
}

// Controller owns a single live voice session end to end. Start builds
// the whole pipeline (output sink, scheduler, provider session, capture
// recorder) and Stop releases it again in reverse order. At most one
// session is active at a time.
type Controller struct {
	provider live.Provider
	device   capture.Device
	outputs  playback.Opener
	store    convo.Store

	sessionCfg live.SessionConfig
	titler     Titler
	metrics    *observe.Metrics
	onLevel    func(float64)
	onSpeaking func(bool)

	mu      sync.Mutex
	state   live.State
	lastErr error
	titled  bool
	agg     *convo.Aggregator
	cancel  context.CancelFunc
	pump    *errgroup.Group
	closers []func() error
	done    chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithSessionConfig sets the model, voice and system instructions
// passed to the provider on Connect.
func WithSessionConfig(cfg live.SessionConfig) Option {
	return func(c *Controller) { c.sessionCfg = cfg }
}

// WithTitler enables background conversation titling after the first
// completed turn.
func WithTitler(t Titler) Option {
	return func(c *Controller) { c.titler = t }
}

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLevelFunc registers a callback invoked with the RMS level of
// every captured frame, for input meters.
func WithLevelFunc(fn func(level float64)) Option {
	return func(c *Controller) { c.onLevel = fn }
}

// WithSpeakingFunc registers a callback invoked when assistant playback
// starts and stops.
func WithSpeakingFunc(fn func(speaking bool)) Option {
	return func(c *Controller) { c.onSpeaking = fn }
}

// New creates a Controller in the idle state. The conversation
// aggregator is created immediately so a reconnect continues the same
// conversation context; call NewConversation to start a fresh one.
func New(provider live.Provider, device capture.Device, outputs playback.Opener, store convo.Store, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		device:   device,
		outputs:  outputs,
		store:    store,
		state:    live.StateIdle,
		agg:      convo.NewAggregator(store),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// ── lifecycle ──────────────────────────────────────────────────────────

// Start connects to the provider and begins streaming microphone audio.
// It returns ErrAlreadyActive unless the controller is idle, closed or
// in the error state. On any setup failure the partially built pipeline
// is released and the controller returns to idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case live.StateConnecting, live.StateOpen, live.StateClosing:
		return ErrAlreadyActive
	}
	c.state = live.StateConnecting
	c.lastErr = nil

	var closers []func() error
	fail := func(err error) error {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				slog.Warn("app: cleanup after failed start", "error", cerr)
			}
		}
		c.state = live.StateIdle
		return err
	}

	sink, err := c.outputs.Open(audio.PlaybackRate)
	if err != nil {
		return fail(fmt.Errorf("app: open output: %w", err))
	}
	closers = append(closers, sink.Close)

	schedOpts := []playback.Option{}
	if c.onSpeaking != nil {
		schedOpts = append(schedOpts, playback.WithPlayingFunc(c.onSpeaking))
	}
	sched := playback.NewScheduler(sink, schedOpts...)
	closers = append(closers, sched.Close)

	connectStart := time.Now()
	sess, err := c.provider.Connect(ctx, c.sessionCfg)
	if err != nil {
		return fail(fmt.Errorf("app: connect: %w", err))
	}
	c.metrics.ConnectDuration.Record(ctx, time.Since(connectStart).Seconds())
	closers = append(closers, sess.Close)

	frames := make(chan audio.Frame, frameBacklog)
	recorder := capture.New(c.device, func(f audio.Frame) {
		select {
		case frames <- f:
		default:
			slog.Debug("app: capture frame dropped, uplink backlogged")
		}
	})
	if err := recorder.Start(); err != nil {
		return fail(fmt.Errorf("app: start capture: %w", err))
	}
	closers = append(closers, func() error {
		recorder.Stop()
		return nil
	})

	pumpCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(func() error {
		c.pumpFrames(gctx, frames, sess)
		return nil
	})
	g.Go(func() error {
		c.pumpEvents(gctx, sess, sched)
		return nil
	})

	c.closers = closers
	c.cancel = cancel
	c.pump = g
	c.done = make(chan struct{})
	c.state = live.StateOpen
	c.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("app: session open",
		"model", c.sessionCfg.Model,
		"voice", c.sessionCfg.Voice,
	)
	return nil
}

// Stop tears the session down: capture first, then the provider
// session, then playback. Every release step runs even if an earlier
// one fails; failures are logged and swallowed. Stop is idempotent and
// a no-op when no session is active.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case live.StateIdle, live.StateClosed, live.StateError, live.StateClosing:
		c.mu.Unlock()
		return nil
	}
	c.state = live.StateClosing
	cancel := c.cancel
	pump := c.pump
	closers := c.closers
	done := c.done
	c.cancel, c.pump, c.closers = nil, nil, nil
	c.mu.Unlock()

	slog.Info("app: stopping session")
	if cancel != nil {
		cancel()
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			slog.Warn("app: teardown step failed", "error", err)
		}
	}
	if pump != nil {
		_ = pump.Wait()
	}
	c.metrics.ActiveSessions.Add(context.Background(), -1)

	c.mu.Lock()
	if c.lastErr != nil {
		c.state = live.StateError
	} else {
		c.state = live.StateClosed
	}
	c.mu.Unlock()
	if done != nil {
		close(done)
	}
	slog.Info("app: session closed")
	return nil
}

// Done returns a channel that closes when the session started by the
// last Start has fully stopped, whether by Stop or by the remote end.
// It returns nil before the first Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// State reports the current session state.
func (c *Controller) State() live.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the last session, if any. It resets
// on the next successful Start.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// NewConversation detaches the aggregator from the current conversation
// context so the next completed turn creates a fresh one, with its own
// generated title.
func (c *Controller) NewConversation() {
	c.mu.Lock()
	c.titled = false
	c.mu.Unlock()
	c.agg.Reset()
}

// ── pumps ──────────────────────────────────────────────────────────────

// pumpFrames forwards captured microphone frames to the provider until
// the session ends.
func (c *Controller) pumpFrames(ctx context.Context, frames <-chan audio.Frame, sess live.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			c.metrics.RecordFrame(ctx, f.Level)
			if c.onLevel != nil {
				c.onLevel(f.Level)
			}
			if err := sess.SendAudio(audio.PCM16ToBytes(f.Samples)); err != nil {
				if errors.Is(err, live.ErrSessionClosed) {
					return
				}
				slog.Debug("app: send frame", "error", err)
			}
		}
	}
}

// pumpEvents dispatches provider events until the stream ends. A Closed
// event triggers the same teardown as an explicit Stop.
func (c *Controller) pumpEvents(ctx context.Context, sess live.Session, sched *playback.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				// Stream closed without a final Closed event; treat it
				// the same way.
				c.sessionEnded(sess.Err())
				return
			}
			switch ev := ev.(type) {
			case live.Opened:
				slog.Debug("app: session handshake confirmed")
			case live.AudioChunk:
				if err := sched.Play(ev.Data); err != nil {
					if !errors.Is(err, playback.ErrClosed) {
						c.metrics.DecodeFailures.Add(ctx, 1)
						slog.Debug("app: play chunk", "error", err)
					}
					continue
				}
				c.metrics.ChunksScheduled.Add(ctx, 1)
			case live.InputTranscript:
				c.agg.OnInputFragment(ev.Text)
			case live.OutputTranscript:
				c.agg.OnOutputFragment(ev.Text)
			case live.TurnComplete:
				c.finishTurn(ctx)
			case live.Interrupted:
				sched.Interrupt()
				c.metrics.Interruptions.Add(ctx, 1)
				slog.Debug("app: playback interrupted")
			case live.Closed:
				c.sessionEnded(ev.Err)
				return
			}
		}
	}
}

// finishTurn persists the aggregated turn and kicks off title
// generation after the first turn of a conversation.
func (c *Controller) finishTurn(ctx context.Context) {
	msgs, err := c.agg.OnTurnComplete(ctx)
	c.metrics.TurnsCompleted.Add(ctx, 1)
	if err != nil {
		slog.Warn("app: persist turn", "error", err)
		return
	}
	for _, m := range msgs {
		c.metrics.RecordMessageAppended(ctx, string(m.Role))
	}
	c.maybeTitle(msgs)
}

// maybeTitle generates a conversation title from the first user
// utterance, once per conversation. Failures are logged and dropped.
func (c *Controller) maybeTitle(msgs []convo.Message) {
	if c.titler == nil {
		return
	}
	var utterance string
	for _, m := range msgs {
		if m.Role == convo.RoleUser && m.Text != "" {
			utterance = m.Text
			break
		}
	}
	if utterance == "" {
		return
	}

	c.mu.Lock()
	if c.titled {
		c.mu.Unlock()
		return
	}
	c.titled = true
	c.mu.Unlock()

	contextID := c.agg.ContextID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()
		title, err := c.titler.Title(ctx, utterance)
		if err != nil {
			slog.Warn("app: generate title", "error", err)
			return
		}
		if err := c.store.RenameContext(ctx, contextID, title); err != nil {
			slog.Warn("app: rename context", "context_id", contextID, "error", err)
			return
		}
		c.metrics.TitlesGenerated.Add(ctx, 1)
		slog.Info("app: conversation titled", "context_id", contextID, "title", title)
	}()
}

// sessionEnded records why the stream ended and schedules the teardown.
// It runs on the event pump goroutine, so Stop is called asynchronously
// to let the pump exit.
func (c *Controller) sessionEnded(err error) {
	c.mu.Lock()
	if err != nil && c.lastErr == nil {
		c.lastErr = err
	}
	active := c.state == live.StateOpen
	c.mu.Unlock()

	if err != nil {
		slog.Warn("app: session ended", "error", err)
	} else {
		slog.Info("app: session ended by remote")
	}
	if active {
		go func() {
			_ = c.Stop()
		}()
	}
}
