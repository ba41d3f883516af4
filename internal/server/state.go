package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/voxlab/sussurro/internal/config"
	"github.com/voxlab/sussurro/internal/correct"
	"github.com/voxlab/sussurro/internal/history"
	"github.com/voxlab/sussurro/internal/observe"
	"github.com/voxlab/sussurro/internal/protocol"
	"github.com/voxlab/sussurro/internal/recognizer"
)

// Mode is a language's listening state.
type Mode int

const (
	ModeIdle Mode = iota
	ModePermanent
	ModeSingleCapture
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePermanent:
		return "permanent"
	case ModeSingleCapture:
		return "single_capture"
	default:
		return "unknown"
	}
}

// Engine is the slice of the listening handle the session drives. The
// session stops a listening loop by cancelling the context it passed to
// Listen; cancellation takes effect even when it happens before the loop is
// scheduled. *engine.Handle satisfies it.
type Engine interface {
	Listen(ctx context.Context, maxDuration time.Duration, onResult func(recognizer.Result)) error
	Listening() bool
	Close() error
}

// EngineProvider builds the recognition engine for a configured language.
// It is invoked at most once per language, on first use.
type EngineProvider func(language string) (Engine, error)

const (
	commandBuffer = 32
	resultBuffer  = 64

	// joinTimeout bounds how long the event loop waits for a listening loop
	// to acknowledge a stop. Past it the stop is best-effort and the state
	// machine proceeds.
	joinTimeout = 5 * time.Second
)

// command is one client request entering the event loop.
type command struct {
	client *Client
	msg    protocol.ClientMessage
}

// resultEvent bridges a completed utterance from a listening goroutine into
// the event loop. A single ordered channel carries them, so utterances reach
// clients in completion order.
type resultEvent struct {
	language string
	res      recognizer.Result
}

// doneEvent signals that a language's listening loop has returned.
type doneEvent struct {
	language string
	err      error
}

// langState is the per-language state owned by the event loop goroutine.
type langState struct {
	engine Engine
	mode   Mode

	// cancel stops the active listening loop. Set by spawnListen, nil while
	// idle. Cancelling is safe even before the loop goroutine has started.
	cancel context.CancelFunc

	// Single-capture bookkeeping, meaningful only in ModeSingleCapture.
	captureClient  *Client
	captureContext string
	captureGot     bool
}

// stopListen cancels the active listening loop, if any.
func (st *langState) stopListen() {
	if st.cancel != nil {
		st.cancel()
	}
}

// SessionOption customises a [Session].
type SessionOption func(*Session)

// WithHub sets the broadcast hub. Defaults to a fresh empty hub.
func WithHub(h *Hub) SessionOption {
	return func(s *Session) { s.hub = h }
}

// WithStore sets the utterance history store. Nil disables history replies.
func WithStore(store *history.Store) SessionOption {
	return func(s *Session) { s.store = store }
}

// WithCorrector sets the text corrector applied to recognized utterances.
func WithCorrector(c *correct.Corrector) SessionOption {
	return func(s *Session) { s.corrector = c }
}

// WithSessionLogger sets the structured logger.
func WithSessionLogger(log *slog.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithMetrics sets the metrics instruments. Nil disables recording.
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Session is the state machine multiplexing the recognition pipeline across
// clients. A single event-loop goroutine owns all mutable state; client
// readers enqueue commands and listening goroutines enqueue results, both
// over channels.
type Session struct {
	cfg       *config.Config
	provider  EngineProvider
	hub       *Hub
	store     *history.Store
	corrector *correct.Corrector
	log       *slog.Logger
	metrics   *observe.Metrics

	commands chan command
	results  chan resultEvent
	dones    chan doneEvent

	// Loop-owned state. Touched only by the Run goroutine.
	engines   map[string]*langState
	current   string
	languages []string
}

// NewSession creates a [Session] for the given configuration.
func NewSession(cfg *config.Config, provider EngineProvider, opts ...SessionOption) *Session {
	s := &Session{
		cfg:      cfg,
		provider: provider,
		log:      slog.Default(),
		commands: make(chan command, commandBuffer),
		results:  make(chan resultEvent, resultBuffer),
		dones:    make(chan doneEvent, 8),
		engines:  make(map[string]*langState),
		current:  cfg.DefaultLanguage,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.log, s.metrics)
	}
	if s.corrector == nil {
		s.corrector = correct.New(
			correct.WithTechTerms(cfg.Corrections.TechTerms),
			correct.WithCommands(cfg.Corrections.Commands),
		)
	}

	for code := range cfg.Languages {
		s.languages = append(s.languages, code)
	}
	sort.Strings(s.languages)

	return s
}

// Attach registers a connected client and pushes the current status to it.
func (s *Session) Attach(c *Client) {
	s.hub.Add(c)
	s.commands <- command{client: c, msg: protocol.ClientMessage{Type: protocol.TypeGetStatus}}
}

// Detach unregisters a client.
func (s *Session) Detach(c *Client) {
	s.hub.Remove(c)
}

// Submit enqueues one parsed client message for the event loop.
func (s *Session) Submit(c *Client, msg protocol.ClientMessage) {
	s.commands <- command{client: c, msg: msg}
}

// Run executes the event loop until ctx is cancelled, then stops every
// active listening session and closes the engines.
func (s *Session) Run(ctx context.Context) error {
	s.log.Info("session loop started",
		"default_language", s.current,
		"languages", s.languages)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
		case ev := <-s.results:
			s.handleResult(ctx, ev)
		case d := <-s.dones:
			s.handleDone(ctx, d)
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, cmd command) {
	switch cmd.msg.Type {
	case protocol.TypeGetStatus:
		cmd.client.Send(s.status())
	case protocol.TypeStartPermanent:
		s.startPermanent(ctx, cmd.client)
	case protocol.TypeStopPermanent:
		s.stopPermanent(ctx, cmd.client)
	case protocol.TypeStartSingle:
		s.startCapture(ctx, cmd)
	case protocol.TypeSwitchLanguage:
		s.switchLanguage(ctx, cmd)
	case protocol.TypeGetHistory:
		s.sendHistory(ctx, cmd)
	}
}

// status snapshots the loop-owned state into a language_status event.
func (s *Session) status() protocol.LanguageStatus {
	listening := false
	if st := s.engines[s.current]; st != nil {
		listening = st.mode != ModeIdle
	}
	return protocol.LanguageStatus{
		Type:               protocol.TypeLanguageStatus,
		CurrentLanguage:    s.current,
		AvailableLanguages: s.languages,
		Listening:          listening,
	}
}

// lang returns the state for a configured language, building its engine on
// first use.
func (s *Session) lang(code string) (*langState, error) {
	if st, ok := s.engines[code]; ok {
		return st, nil
	}
	eng, err := s.provider(code)
	if err != nil {
		return nil, fmt.Errorf("server: engine for %s: %w", code, err)
	}
	st := &langState{engine: eng}
	s.engines[code] = st
	return st, nil
}

func (s *Session) startPermanent(ctx context.Context, client *Client) {
	st, err := s.lang(s.current)
	if err != nil {
		s.log.Error("engine unavailable", "language", s.current, "error", err)
		client.Send(protocol.NewError("recognition engine unavailable"))
		return
	}
	if st.mode != ModeIdle {
		client.Send(protocol.NewError("already listening"))
		return
	}

	st.mode = ModePermanent
	s.spawnListen(ctx, s.current, st, 0)
	s.addListener(ctx, 1)

	s.hub.Broadcast(ctx, protocol.Ack{Type: protocol.TypeListeningStarted})
	s.hub.Broadcast(ctx, s.status())
}

func (s *Session) stopPermanent(ctx context.Context, client *Client) {
	st := s.engines[s.current]
	if st == nil || st.mode != ModePermanent {
		// Stopping while not listening is an acknowledged no-op.
		client.Send(protocol.Ack{Type: protocol.TypeListeningStopped})
		return
	}

	st.stopListen()
	s.join(ctx, s.current)
	st.mode = ModeIdle
	s.addListener(ctx, -1)

	s.hub.Broadcast(ctx, protocol.Ack{Type: protocol.TypeListeningStopped})
	s.hub.Broadcast(ctx, s.status())
}

func (s *Session) startCapture(ctx context.Context, cmd command) {
	st, err := s.lang(s.current)
	if err != nil {
		s.log.Error("engine unavailable", "language", s.current, "error", err)
		cmd.client.Send(protocol.NewError("recognition engine unavailable"))
		return
	}
	if st.mode != ModeIdle {
		cmd.client.Send(protocol.NewError("already listening"))
		return
	}

	captureContext := correct.ContextBrowser
	switch cmd.msg.Context {
	case "", correct.ContextBrowser:
	case correct.ContextTerminal:
		captureContext = correct.ContextTerminal
	default:
		cmd.client.Send(protocol.NewError(fmt.Sprintf("unknown capture context: %s", cmd.msg.Context)))
		return
	}

	timeout := time.Duration(s.cfg.Capture.TimeoutSeconds) * time.Second
	if cmd.msg.Timeout > 0 {
		timeout = time.Duration(cmd.msg.Timeout) * time.Second
	}

	st.mode = ModeSingleCapture
	st.captureClient = cmd.client
	st.captureContext = captureContext
	st.captureGot = false
	s.spawnListen(ctx, s.current, st, timeout)
	s.addListener(ctx, 1)

	cmd.client.Send(protocol.Ack{Type: protocol.TypeSingleCaptureStarted})
	s.hub.Broadcast(ctx, s.status())
}

func (s *Session) switchLanguage(ctx context.Context, cmd command) {
	target := cmd.msg.Language
	if _, ok := s.cfg.Languages[target]; !ok {
		cmd.client.Send(protocol.NewError(fmt.Sprintf("language %q is not configured", target)))
		return
	}
	if target == s.current {
		cmd.client.Send(s.status())
		return
	}

	wasPermanent := false
	if st := s.engines[s.current]; st != nil {
		switch st.mode {
		case ModeSingleCapture:
			cmd.client.Send(protocol.NewError("single capture in progress"))
			return
		case ModePermanent:
			// Full stop before the switch, so two listening loops never race
			// on one language's worker.
			wasPermanent = true
			st.stopListen()
			s.join(ctx, s.current)
			st.mode = ModeIdle
			s.addListener(ctx, -1)
		}
	}

	previous := s.current
	s.current = target
	s.log.Info("language switched", "from", previous, "to", target)

	if wasPermanent {
		st, err := s.lang(target)
		if err != nil {
			s.log.Error("engine unavailable after switch", "language", target, "error", err)
			cmd.client.Send(protocol.NewError("recognition engine unavailable"))
			s.hub.Broadcast(ctx, s.status())
			return
		}
		st.mode = ModePermanent
		s.spawnListen(ctx, target, st, 0)
		s.addListener(ctx, 1)
	}

	s.hub.Broadcast(ctx, s.status())
}

func (s *Session) sendHistory(ctx context.Context, cmd command) {
	results := []protocol.SpeechResult{}
	if s.store != nil {
		entries, err := s.store.Recent(ctx, cmd.msg.Limit)
		if err != nil {
			s.log.Error("history query failed", "error", err)
			cmd.client.Send(protocol.NewError("history unavailable"))
			return
		}
		for _, e := range entries {
			results = append(results, protocol.SpeechResult{
				Type:         protocol.TypeSpeechResult,
				Text:         e.Text,
				Confidence:   e.Confidence,
				Language:     e.Language,
				Context:      e.Context,
				OriginalText: e.OriginalText,
			})
		}
	}
	cmd.client.Send(protocol.History{Type: protocol.TypeHistory, Results: results})
}

// spawnListen runs one listening loop on its own goroutine, bridging results
// and completion back into the event loop. The loop's cancellation is owned
// here, in st.cancel, so a stop issued before the goroutine is scheduled
// still lands: the loop starts with an already-cancelled context and returns
// at once.
func (s *Session) spawnListen(ctx context.Context, language string, st *langState, maxDuration time.Duration) {
	lctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	eng := st.engine
	go func() {
		err := eng.Listen(lctx, maxDuration, func(r recognizer.Result) {
			s.results <- resultEvent{language: language, res: r}
		})
		cancel()
		s.dones <- doneEvent{language: language, err: err}
	}()
}

// join waits for a stopped language's listening loop to return, draining
// result events meanwhile so the loop can never wedge against a full
// channel. The wait is bounded; past the timeout the stop is best-effort.
func (s *Session) join(ctx context.Context, language string) {
	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()

	for {
		select {
		case d := <-s.dones:
			if d.err != nil {
				s.log.Error("listening loop failed", "language", d.language, "error", d.err)
			}
			if d.language == language {
				return
			}
		case ev := <-s.results:
			s.handleResult(ctx, ev)
		case <-timer.C:
			s.log.Warn("listening loop did not stop in time, proceeding", "language", language)
			return
		}
	}
}

func (s *Session) handleResult(ctx context.Context, ev resultEvent) {
	st := s.engines[ev.language]
	if st == nil {
		return
	}

	switch st.mode {
	case ModeSingleCapture:
		if st.captureGot {
			return
		}
		st.captureGot = true
		st.captureClient.Send(s.buildResult(ctx, ev, st.captureContext))
		// The first utterance completes the capture.
		st.stopListen()
	default:
		s.hub.Broadcast(ctx, s.buildResult(ctx, ev, correct.ContextBrowser))
	}
}

func (s *Session) handleDone(ctx context.Context, d doneEvent) {
	st := s.engines[d.language]
	if st == nil {
		return
	}
	st.cancel = nil
	if d.err != nil {
		s.log.Error("listening loop failed", "language", d.language, "error", d.err)
		s.hub.Broadcast(ctx, protocol.NewError("listening stopped: "+d.err.Error()))
	}

	switch st.mode {
	case ModeSingleCapture:
		if !st.captureGot {
			if s.metrics != nil {
				s.metrics.CaptureTimeouts.Add(ctx, 1)
			}
			st.captureClient.Send(protocol.NewError("no speech detected"))
		}
		st.captureClient = nil
		st.mode = ModeIdle
		s.addListener(ctx, -1)
		s.hub.Broadcast(ctx, s.status())
	case ModePermanent:
		// The loop exited without a stop request: a pipeline fault or parent
		// shutdown. Reflect reality and let clients restart.
		st.mode = ModeIdle
		s.addListener(ctx, -1)
		s.hub.Broadcast(ctx, protocol.Ack{Type: protocol.TypeListeningStopped})
		s.hub.Broadcast(ctx, s.status())
	}
}

// buildResult corrects, records and serializes one utterance.
func (s *Session) buildResult(ctx context.Context, ev resultEvent, inputContext string) protocol.SpeechResult {
	corrected, changed := s.corrector.Apply(ev.res.Text, inputContext)
	out := protocol.SpeechResult{
		Type:       protocol.TypeSpeechResult,
		Text:       corrected,
		Confidence: ev.res.Confidence,
		Language:   ev.language,
		Context:    inputContext,
	}
	if changed {
		out.OriginalText = ev.res.Text
	}

	if s.metrics != nil {
		s.metrics.RecordUtterance(ctx, ev.language, inputContext)
	}
	if s.store != nil {
		entry := history.Entry{
			Text:         out.Text,
			Confidence:   out.Confidence,
			Language:     out.Language,
			Context:      out.Context,
			OriginalText: out.OriginalText,
		}
		if err := s.store.Record(ctx, entry); err != nil {
			s.log.Warn("history record failed", "error", err)
		}
	}
	return out
}

func (s *Session) addListener(ctx context.Context, delta int64) {
	if s.metrics != nil {
		s.metrics.ActiveListeners.Add(ctx, delta)
	}
}

// shutdown stops every active listening loop with a bounded join and closes
// all engines.
func (s *Session) shutdown() {
	ctx := context.Background()
	for code, st := range s.engines {
		if st.mode != ModeIdle {
			st.stopListen()
			s.join(ctx, code)
			st.mode = ModeIdle
		}
		if err := st.engine.Close(); err != nil {
			s.log.Warn("engine close failed", "language", code, "error", err)
		}
	}
	s.log.Info("session loop stopped")
}
