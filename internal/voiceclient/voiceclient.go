// Package voiceclient adapts a duplex WebSocket connection to an upstream
// realtime voice/LLM provider. The gateway treats the provider as an
// opaque external collaborator: its absence, or any failure on the wire,
// must never reach into a session's lock — callers observe it only through
// the OnDisconnect callback and fall back to deterministic text.
package voiceclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrWong99/simgateway/pkg/types"
	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// Option configures a [Client].
type Option func(*Client)

// WithModel sets the upstream realtime model name.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the provider's WebSocket base URL. Tests point this
// at a local httptest server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// Client dials the upstream realtime provider. A zero-value APIKey is
// treated as "provider unavailable": [Client.Connect] returns
// [ErrNoAPIKey] without attempting to dial, so the caller can start the
// session in fallback mode without a network round trip.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// ErrNoAPIKey is returned by [Client.Connect] when no API key is
// configured; the caller should treat the session as fallback-only.
var ErrNoAPIKey = fmt.Errorf("voiceclient: no api key configured")

// New creates a Client for the given API key. An empty apiKey is valid and
// makes every [Client.Connect] call fail fast with [ErrNoAPIKey].
func New(apiKey string, opts ...Option) *Client {
	c := &Client{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect establishes a new realtime session with the given instructions
// and tool set. The returned [Session] begins receiving server events
// immediately in a background goroutine; register callbacks before sending
// any audio.
func (c *Client) Connect(ctx context.Context, instructions string, tools []ToolSpec, voice string) (*Session, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("voiceclient: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		ctx:    sessCtx,
		cancel: cancel,
	}

	if err := s.sendSessionUpdate(instructions, tools, voice); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("voiceclient: session update: %w", err)
	}

	go s.receiveLoop()
	return s, nil
}

// ToolSpec describes one tool the model may call, mirroring the subset of
// the provider's function-calling schema the gateway needs.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ── wire protocol (outgoing) ─────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string     `json:"voice,omitempty"`
	Instructions      string     `json:"instructions,omitempty"`
	Tools             []oaiTool  `json:"tools,omitempty"`
	InputAudioFormat  string     `json:"input_audio_format"`
	OutputAudioFormat string     `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type simpleMessage struct {
	Type string `json:"type"`
}

// ── wire protocol (incoming) ─────────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Usage *usagePayload `json:"usage,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Session ───────────────────────────────────────────────────────────────

// Session is one live connection to the upstream provider. Register
// callbacks once before sending audio; callbacks fire from the internal
// receive goroutine and must not block.
type Session struct {
	conn *websocket.Conn

	mu               sync.Mutex
	closed           bool
	closeOnce        sync.Once
	currentTxText    string
	onAudioOut       func([]byte)
	onTranscript     func(text string, final bool)
	onToolIntent     func(types.Intent)
	onUsage          func(inputTokens, outputTokens int)
	onDisconnect     func(error)

	ctx    context.Context
	cancel context.CancelFunc
}

// OnAudioOut registers the callback invoked with each synthesised audio
// chunk (raw PCM16, not base64).
func (s *Session) OnAudioOut(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAudioOut = fn
}

// OnTranscriptDelta registers the callback invoked as the character's
// spoken line streams in; final is true on the last delta for that turn.
func (s *Session) OnTranscriptDelta(fn func(text string, final bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTranscript = fn
}

// OnToolIntent registers the callback invoked when the model proposes a
// simulation mutation. The raw function-call arguments are already decoded
// into a [types.Intent] by the time this fires.
func (s *Session) OnToolIntent(fn func(types.Intent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onToolIntent = fn
}

// OnUsage registers the callback invoked whenever the provider reports
// token usage, for the Cost Controller to accumulate.
func (s *Session) OnUsage(fn func(inputTokens, outputTokens int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUsage = fn
}

// OnDisconnect registers the callback invoked once, when the receive loop
// exits for any reason (remote close, network error, or [Session.Close]).
// err is nil on a clean local close.
func (s *Session) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// SendAudioChunk appends a raw PCM16 audio chunk to the input buffer.
func (s *Session) SendAudioChunk(chunk []byte) error {
	if s.isClosed() {
		return fmt.Errorf("voiceclient: session closed")
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitAudio finalises the input buffer and asks the model to respond.
func (s *Session) CommitAudio() error {
	if s.isClosed() {
		return fmt.Errorf("voiceclient: session closed")
	}
	if err := s.writeJSON(simpleMessage{Type: "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(simpleMessage{Type: "response.create"})
}

// CancelResponse interrupts the model's current in-flight response, used
// when a clinician barges in over the character's speech.
func (s *Session) CancelResponse() error {
	return s.writeJSON(simpleMessage{Type: "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) sendSessionUpdate(instructions string, tools []ToolSpec, voice string) error {
	params := sessionParams{
		Voice:             voice,
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if len(tools) > 0 {
		params.Tools = toOAITools(tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("voiceclient: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *Session) receiveLoop() {
	var disconnectErr error
	defer func() {
		s.mu.Lock()
		cb := s.onDisconnect
		s.mu.Unlock()
		if cb != nil {
			cb(disconnectErr)
		}
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				disconnectErr = err
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *Session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		s.emitAudio(evt)
	case "response.audio_transcript.delta":
		s.accumulateTranscript(evt)
	case "response.audio_transcript.done":
		s.flushTranscript()
	case "response.function_call_arguments.done":
		s.emitToolIntent(evt)
	case "response.done":
		s.emitUsage(evt)
	case "error":
		// A provider-level error is not a transport disconnect; the session
		// stays open and the caller learns of it only via a stalled
		// response. Nothing actionable here beyond dropping it: upstream
		// failures all route through OnDisconnect/fallback, not a separate
		// error callback.
	}
}

func (s *Session) emitAudio(evt *serverEvent) {
	if evt.Delta == "" {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil || len(audio) == 0 {
		return
	}
	s.mu.Lock()
	cb := s.onAudioOut
	s.mu.Unlock()
	if cb != nil {
		cb(audio)
	}
}

func (s *Session) accumulateTranscript(evt *serverEvent) {
	if evt.Delta == "" {
		return
	}
	s.mu.Lock()
	s.currentTxText += evt.Delta
	text := s.currentTxText
	cb := s.onTranscript
	s.mu.Unlock()
	if cb != nil {
		cb(text, false)
	}
}

func (s *Session) flushTranscript() {
	s.mu.Lock()
	text := s.currentTxText
	s.currentTxText = ""
	cb := s.onTranscript
	s.mu.Unlock()
	if cb != nil {
		cb(text, true)
	}
}

func (s *Session) emitToolIntent(evt *serverEvent) {
	s.mu.Lock()
	cb := s.onToolIntent
	s.mu.Unlock()
	if cb == nil {
		return
	}
	intent, ok := DecodeToolIntent(evt.Name, evt.Arguments)
	if !ok {
		return
	}
	cb(intent)

	// The model expects a function_call_output before it continues; the
	// gateway's Tool Gate decision (approved or rejected) is reported back
	// to the caller out of band via Intent events, so acknowledge
	// immediately here to keep the upstream turn moving.
	_ = s.writeJSON(simpleMessage{Type: "response.create"})
}

func (s *Session) emitUsage(evt *serverEvent) {
	if evt.Usage == nil {
		return
	}
	s.mu.Lock()
	cb := s.onUsage
	s.mu.Unlock()
	if cb != nil {
		cb(evt.Usage.InputTokens, evt.Usage.OutputTokens)
	}
}

func toOAITools(tools []ToolSpec) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}
