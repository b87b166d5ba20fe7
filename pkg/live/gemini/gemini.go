// Package gemini implements the live session provider for the Gemini Live
// API. Sessions speak the BidiGenerateContent WebSocket protocol: a setup
// message opens the stream, realtimeInput messages carry microphone audio
// up, and serverContent messages carry model audio, transcription fragments,
// and turn boundaries back down.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/verba-ai/verba/pkg/audio"
	"github.com/verba-ai/verba/pkg/live"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// captureMIMEType declares the format of uploaded audio frames.
	captureMIMEType = "audio/pcm;rate=16000"

	// setupTimeout bounds the wait for the service's setupComplete ack.
	setupTimeout = 10 * time.Second

	// keepaliveInterval and keepaliveTimeout control WebSocket pings that
	// keep idle sessions from being reaped.
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// maxMessageSize caps inbound frames; audio-bearing messages run well
	// past the WebSocket library's default limit.
	maxMessageSize = 16 << 20

	eventBuffer = 64
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*session)(nil)
)

// Provider connects live sessions to the Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the default WebSocket endpoint. Intended for tests
// and regional endpoints.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepalive overrides the interval between WebSocket pings. Values <= 0
// keep the default.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.keepalive = d
		}
	}
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect implements [live.Provider]. It dials the endpoint, sends the
// session setup, and waits for the service's setupComplete ack, so a
// non-nil session is fully open and ready for audio.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	u := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", live.ErrConnection, err)
	}
	conn.SetReadLimit(maxMessageSize)

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		events:    make(chan live.Event, eventBuffer),
		keepalive: p.keepalive,
		ctx:       sctx,
		cancel:    cancel,
	}

	if err := s.writeJSON(ctx, p.setupMessage(cfg)); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusProtocolError, "setup failed")
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}
	if err := s.awaitSetupComplete(ctx); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusProtocolError, "setup failed")
		return nil, err
	}

	s.emit(live.Opened{})
	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

// setupMessage builds the protocol setup for cfg.
func (p *Provider) setupMessage(cfg live.SessionConfig) setupMessage {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	msg := setupMessage{Setup: setupPayload{
		Model: "models/" + model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"audio"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	return msg
}

// ── Session ───────────────────────────────────────────────────────────────────

// session is one live Gemini connection. A single receive loop owns socket
// reads; writes may come from any goroutine.
type session struct {
	conn      *websocket.Conn
	events    chan live.Event
	keepalive time.Duration
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	closed bool
	errVal error

	closeOnce sync.Once
}

// SendAudio implements [live.Session]. The frame must be little-endian
// PCM16 mono at the capture rate.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return live.ErrSessionClosed
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{
			MIMEType: captureMIMEType,
			Data:     audio.EncodeChunk(pcm),
		}},
	}}
	return s.writeJSON(s.ctx, msg)
}

// Events implements [live.Session].
func (s *session) Events() <-chan live.Event {
	return s.events
}

// Err implements [live.Session].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements [live.Session]. The first call tears the connection
// down; later calls return nil immediately.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// awaitSetupComplete blocks until the service acks the setup message.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("gemini: waiting for setup ack: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("gemini: decode setup ack: %w", err)
	}
	if msg.Error != nil {
		return fmt.Errorf("gemini: setup rejected: %s (%s)", msg.Error.Message, msg.Error.Status)
	}
	if msg.SetupComplete == nil {
		return fmt.Errorf("gemini: unexpected first message before setup ack")
	}
	return nil
}

// receiveLoop reads server messages until the connection drops or the
// session is closed, then finalizes the event stream.
func (s *session) receiveLoop() {
	defer s.finish()
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return // local close
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return // clean remote shutdown
			}
			s.setErr(fmt.Errorf("gemini: read: %w: %w", live.ErrConnection, err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: dropping malformed server message", "error", err)
			continue
		}
		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage translates one wire message into events. It returns
// false when the message is terminal.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.setErr(fmt.Errorf("gemini: server error %d %s: %s",
			msg.Error.Code, msg.Error.Status, msg.Error.Message))
		return false
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	// Interruption first: it invalidates any audio in the same message.
	if sc.Interrupted {
		s.emit(live.Interrupted{})
	}
	if sc.ModelTurn != nil {
		for _, pt := range sc.ModelTurn.Parts {
			if pt.InlineData != nil && pt.InlineData.Data != "" {
				pcm, err := audio.DecodeChunk(pt.InlineData.Data)
				if err != nil {
					slog.Warn("gemini: dropping undecodable audio part", "error", err)
					continue
				}
				s.emit(live.AudioChunk{Data: pcm})
			}
			if pt.Text != "" {
				s.emit(live.OutputTranscript{Text: pt.Text})
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(live.InputTranscript{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(live.OutputTranscript{Text: sc.OutputTranscription.Text})
	}
	// Turn boundary last so it lands after the fragments it closes.
	if sc.TurnComplete {
		s.emit(live.TurnComplete{})
	}
	return true
}

// finish runs exactly once, when the receive loop exits. It emits the final
// Closed event and closes the stream.
func (s *session) finish() {
	s.mu.Lock()
	s.closed = true
	err := s.errVal
	s.mu.Unlock()
	s.cancel()

	// Best effort: a consumer that stopped draining still observes the
	// channel close.
	select {
	case s.events <- live.Closed{Err: err}:
	default:
	}
	close(s.events)
}

// emit delivers ev, giving up only when the session shuts down while the
// consumer is not draining.
func (s *session) emit(ev live.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop pings the service at a fixed interval for the life of the
// session.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					slog.Debug("gemini: keepalive ping failed", "error", err)
				}
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// ── Wire messages ─────────────────────────────────────────────────────────────

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete"`
	ServerContent *serverContent   `json:"serverContent"`
	Error         *apiError        `json:"error"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn"`
	TurnComplete        bool           `json:"turnComplete"`
	Interrupted         bool           `json:"interrupted"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type transcription struct {
	Text string `json:"text"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}
