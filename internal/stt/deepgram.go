// Package stt implements the native speech capability on top of Deepgram
// streaming ASR with ffmpeg microphone capture.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/bridge"
	"github.com/lexiqai/orvoice/internal/config"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/intent"
	"github.com/lexiqai/orvoice/internal/observability"
)

// Failure codes reported on the Failures channel.
const (
	FailureASR       = "asr_error"
	FailureCapture   = "capture_error"
	FailureDeadInput = "input_silent"
)

const frameBytes = 3200 // 100ms of 16kHz mono s16le

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

// Message overrides the default handler to route transcripts to the session
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to report the failure to the bridge
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramConfig configures the recognizer.
type DeepgramConfig struct {
	APIKey      string
	Model       string
	Language    string
	WakeWords   []string
	SampleRate  int
	InputFormat string
	Level       LevelConfig
}

// DeepgramConfigFromEnv maps service configuration onto the recognizer.
func DeepgramConfigFromEnv(cfg *config.Config) DeepgramConfig {
	return DeepgramConfig{
		APIKey:      cfg.DeepgramAPIKey,
		Model:       cfg.DeepgramModel,
		Language:    cfg.DeepgramLanguage,
		WakeWords:   cfg.WakeWords,
		SampleRate:  cfg.CaptureSampleRate,
		InputFormat: cfg.FFmpegInputFormat,
		Level:       DefaultLevelConfig(),
	}
}

// DeepgramRecognizer is a bridge.Recognizer that captures the selected
// microphone with ffmpeg, streams it to Deepgram and spots wake words in the
// final transcripts.
type DeepgramRecognizer struct {
	cfg     DeepgramConfig
	capture Capture
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*dgSession

	wake  chan domain.WakeWordEvent
	utter chan domain.RecognizedUtterance
	fail  chan domain.NativeFailure
}

var _ bridge.Recognizer = (*DeepgramRecognizer)(nil)

// NewDeepgramRecognizer creates a recognizer using capture for audio input.
func NewDeepgramRecognizer(cfg DeepgramConfig, capture Capture) *DeepgramRecognizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &DeepgramRecognizer{
		cfg:      cfg,
		capture:  capture,
		logger:   observability.Component("deepgram"),
		sessions: make(map[string]*dgSession),
		wake:     make(chan domain.WakeWordEvent, 16),
		utter:    make(chan domain.RecognizedUtterance, 16),
		fail:     make(chan domain.NativeFailure, 16),
	}
}

func (d *DeepgramRecognizer) WakeWords() <-chan domain.WakeWordEvent        { return d.wake }
func (d *DeepgramRecognizer) Utterances() <-chan domain.RecognizedUtterance { return d.utter }
func (d *DeepgramRecognizer) Failures() <-chan domain.NativeFailure         { return d.fail }

// Start opens the microphone and a Deepgram stream for req.SessionID.
func (d *DeepgramRecognizer) Start(ctx context.Context, req bridge.StartRequest) error {
	d.mu.Lock()
	if _, exists := d.sessions[req.SessionID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("session %s already started", req.SessionID)
	}
	d.mu.Unlock()

	// the stream outlives the start call, so it gets its own context
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &dgSession{
		id:     req.SessionID,
		rec:    d,
		ctx:    sctx,
		cancel: cancel,
		level:  newLevelMonitor(d.cfg.Level),
		logger: d.logger.With().Str("session_id", req.SessionID).Logger(),
	}

	captureSession, err := d.capture.Start(sctx, CaptureConfig{
		SampleRate:  d.cfg.SampleRate,
		Channels:    1,
		InputFormat: d.cfg.InputFormat,
		InputDevice: req.Device.ID,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open microphone %s: %w", req.Device.ID, err)
	}
	s.capture = captureSession

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.cfg.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                s.handleDeepgramMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			s.reportFailure(FailureASR, fmt.Sprintf("%+v", errorResponse))
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(sctx, d.cfg.APIKey, nil, tOptions, callback)
	if err != nil {
		_ = captureSession.Stop()
		cancel()
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		_ = captureSession.Stop()
		cancel()
		return errors.New("failed to connect to Deepgram")
	}
	s.client = client
	s.streamStart = time.Now()

	d.mu.Lock()
	d.sessions[req.SessionID] = s
	d.mu.Unlock()

	go s.pump()

	s.logger.Info().
		Str("device_id", req.Device.ID).
		Str("model", d.cfg.Model).
		Str("language", d.cfg.Language).
		Msg("Deepgram streaming session started")
	return nil
}

// Stop closes the stream and releases the microphone.
func (d *DeepgramRecognizer) Stop(_ context.Context, sessionID string) error {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return s.close()
}

// ResetProcessing forgets partial state so the next utterance starts clean.
func (d *DeepgramRecognizer) ResetProcessing(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		s.reset()
	}
	return nil
}

type dgSession struct {
	id          string
	rec         *DeepgramRecognizer
	ctx         context.Context
	cancel      context.CancelFunc
	capture     CaptureSession
	client      *listenClient.WSCallback
	streamStart time.Time
	logger      zerolog.Logger

	mu    sync.Mutex
	level *levelMonitor

	closeOnce sync.Once
}

// pump copies captured PCM into the Deepgram stream.
func (s *dgSession) pump() {
	buf := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(s.capture, buf)
		if n > 0 {
			frame := buf[:n]
			s.mu.Lock()
			dead := s.level.observe(frame)
			s.mu.Unlock()
			if dead {
				s.reportFailure(FailureDeadInput, "microphone input went flat")
			}
			if _, werr := s.client.Write(frame); werr != nil {
				s.reportFailure(FailureASR, werr.Error())
				return
			}
		}
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.reportFailure(FailureCapture, err.Error())
			}
			return
		}
	}
}

func (s *dgSession) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level.reset()
}

func (s *dgSession) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if s.client != nil {
			s.client.Finish()
		}
		if s.capture != nil {
			err = s.capture.Stop()
		}
		s.logger.Info().Msg("Deepgram streaming session stopped")
	})
	return err
}

// handleDeepgramMessage processes messages from Deepgram
func (s *dgSession) handleDeepgramMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		start := msg.Start
		if len(alt.Words) > 0 {
			start = alt.Words[0].Start
		}
		s.onTranscript(alt.Transcript, alt.Confidence, s.streamStart.Add(time.Duration(start*float64(time.Second))))

	case "SpeechStarted", "UtteranceEnd", "Metadata":
		s.logger.Debug().Str("type", msg.Type).Msg("Deepgram event")

	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Deepgram: unknown message type")
	}
}

// onTranscript turns one final transcript into a wake word and/or an
// utterance. "hey theatre, wheels in" yields both.
func (s *dgSession) onTranscript(text string, confidence float64, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	rest := text
	if keyword, remainder, ok := SplitWakeWord(text, s.rec.cfg.WakeWords); ok {
		s.emitWake(domain.WakeWordEvent{SessionID: s.id, Keyword: keyword, At: at})
		rest = remainder
	}
	if rest == "" {
		return
	}
	s.emitUtterance(domain.RecognizedUtterance{
		ID:         uuid.New().String(),
		SessionID:  s.id,
		Text:       rest,
		Confidence: confidence,
		At:         at,
	})
}

func (s *dgSession) emitWake(ev domain.WakeWordEvent) {
	select {
	case s.rec.wake <- ev:
	case <-s.ctx.Done():
	}
}

func (s *dgSession) emitUtterance(u domain.RecognizedUtterance) {
	s.logger.Debug().Str("utterance_id", u.ID).Float64("confidence", u.Confidence).Msg("Deepgram final transcription")
	select {
	case s.rec.utter <- u:
	case <-s.ctx.Done():
	}
}

func (s *dgSession) reportFailure(code, message string) {
	observability.RecordError(code, "deepgram")
	s.logger.Error().Str("code", code).Str("message", message).Msg("Recognizer failure")
	select {
	case s.rec.fail <- domain.NativeFailure{SessionID: s.id, Code: code, Message: message, At: time.Now()}:
	case <-s.ctx.Done():
	}
}

// SplitWakeWord finds the first configured wake word at the start of text
// and returns it with the remaining command. Matching ignores case,
// diacritics and punctuation.
func SplitWakeWord(text string, wakeWords []string) (keyword, rest string, ok bool) {
	tokens := intent.Normalize(text)
	for _, w := range wakeWords {
		wt := intent.Normalize(w)
		if len(wt) == 0 || len(tokens) < len(wt) {
			continue
		}
		match := true
		for i := range wt {
			if tokens[i] != wt[i] {
				match = false
				break
			}
		}
		if match {
			return w, strings.Join(tokens[len(wt):], " "), true
		}
	}
	return "", "", false
}
