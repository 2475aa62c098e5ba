package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-phone/pkg/audio"
	"github.com/vango-go/vai-phone/pkg/callrecord"
	"github.com/vango-go/vai-phone/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-phone/pkg/gateway/metrics"
)

const (
	silenceCheckInterval = 100 * time.Millisecond
	recordSaveTimeout    = 2 * time.Second
)

// End reasons reported in logs, metrics and call records.
const (
	EndCallerStop   = "caller_stop"
	EndCallerClosed = "caller_closed"
	EndAgentClosed  = "agent_closed"
	EndCanceled     = "canceled"
	EndMaxDuration  = "max_duration"
	EndError        = "error"
)

var (
	errCallerStopped = errors.New("caller stopped the stream")
	errCallerClosed  = errors.New("caller connection closed")
	errAgentClosed   = errors.New("agent connection closed")
)

// SettingsSource produces the agent settings document sent as the first
// message on the agent connection.
type SettingsSource interface {
	Load(ctx context.Context) ([]byte, error)
}

type Config struct {
	SampleRate int
	FrameBytes int

	OutboundMode     OutboundMode
	IdleFlush        time.Duration
	TransformTimeout time.Duration

	SuppressionScope  SuppressionScope
	FillerPolicy      FillerPolicy
	FillerClips       []string
	FillerChunkBytes  int
	FillerLoop        bool
	FillerCancelGrace time.Duration
	FillerSilenceGap  time.Duration
	VoiceThreshold    float64

	MaxJSONMessageBytes int64
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int

	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	AgentKeepAlive     time.Duration

	OutboundQueueSize int
	AgentQueueSize    int
}

type Dependencies struct {
	Conn      *websocket.Conn
	Agent     AgentDialer
	Settings  SettingsSource
	Clips     ClipSource
	Transform Transformer
	Records   callrecord.Sink
	Metrics   *metrics.Relay
	Logger    *slog.Logger
	SessionID string
	RequestID string
	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

type agentMessage struct {
	messageType int
	data        []byte
}

// CallSession relays one caller stream to one agent connection.
type CallSession struct {
	conn      *websocket.Conn
	dialer    AgentDialer
	settings  SettingsSource
	records   callrecord.Sink
	metrics   *metrics.Relay
	logger    *slog.Logger
	sessionID string
	requestID string
	cfg       Config
	startTime time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	agent *websocket.Conn

	turn    *Turn
	machine *turnMachine
	filler  *FillerController
	tts     *ttsBuffer
	stats   *callStats

	outbound    chan outboundFrame
	toAgent     chan []byte
	fromAgent   chan agentMessage
	streamReady chan string

	mu        sync.Mutex
	streamSID string
	callSID   string

	// lastForward is the unix-nano time of the latest frame written to the agent.
	lastForward atomic.Int64
	// lastVoice is the unix-nano time of the latest voiced caller frame.
	lastVoice atomic.Int64
	marks     int

	callerOnce sync.Once
	agentOnce  sync.Once
}

func New(deps Dependencies) (*CallSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent dialer is required")
	}
	if deps.Settings == nil {
		return nil, fmt.Errorf("agent settings source is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = deps.Now()
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}

	cfg := deps.Config
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.TelephonySampleRate
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = audio.BytesFor(100*time.Millisecond, cfg.SampleRate)
	}
	if cfg.VoiceThreshold <= 0 {
		cfg.VoiceThreshold = audio.DefaultVoiceThreshold
	}
	if cfg.FillerSilenceGap <= 0 {
		cfg.FillerSilenceGap = 1500 * time.Millisecond
	}
	if cfg.AgentKeepAlive <= 0 {
		cfg.AgentKeepAlive = 5 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.AgentQueueSize <= 0 {
		cfg.AgentQueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		conn:        deps.Conn,
		dialer:      deps.Agent,
		settings:    deps.Settings,
		records:     deps.Records,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID),
		sessionID:   deps.SessionID,
		requestID:   deps.RequestID,
		cfg:         cfg,
		startTime:   deps.StartTime,
		now:         deps.Now,
		ctx:         ctx,
		cancel:      cancel,
		turn:        &Turn{},
		stats:       newCallStats(),
		outbound:    make(chan outboundFrame, cfg.OutboundQueueSize),
		toAgent:     make(chan []byte, cfg.AgentQueueSize),
		fromAgent:   make(chan agentMessage, cfg.AgentQueueSize),
		streamReady: make(chan string, 1),
	}
	s.lastVoice.Store(deps.StartTime.UnixNano())
	s.machine = newTurnMachine(s.turn, cfg.SuppressionScope, cfg.FillerPolicy)
	s.filler = newFillerController(fillerConfig{
		Clips:      cfg.FillerClips,
		ChunkBytes: cfg.FillerChunkBytes,
		Loop:       cfg.FillerLoop,
		Grace:      cfg.FillerCancelGrace,
	}, deps.Clips, s.turn, s.enqueueFiller, s.logger, s.metrics)
	if cfg.OutboundMode == OutboundBuffered {
		s.tts = newTTSBuffer(deps.Transform, cfg.IdleFlush, cfg.TransformTimeout)
	}
	return s, nil
}

func (s *CallSession) ID() string { return s.sessionID }

// Turn exposes the live turn state for observers.
func (s *CallSession) Turn() *Turn { return s.turn }

// Cancel ends the session; Run returns once every task has stopped.
func (s *CallSession) Cancel() { s.cancel() }

// Run relays audio until the caller stops, either connection closes, the
// session is canceled or the maximum duration elapses. Both connections are
// closed when it returns. Ordinary call endings return nil.
func (s *CallSession) Run() error {
	defer s.cancel()
	s.metrics.SessionStarted()

	ctx := s.ctx
	if s.cfg.MaxSessionDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxSessionDuration)
		defer cancel()
	}

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	err := s.relay(ctx)
	reason, err := s.classify(ctx, err)
	s.finish(reason, err)
	return err
}

func (s *CallSession) relay(ctx context.Context) error {
	defer s.closeAll()

	agent, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial agent: %w", err)
	}
	s.agent = agent

	settings, err := s.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("load agent settings: %w", err)
	}
	if err := s.writeAgent(websocket.TextMessage, settings); err != nil {
		return fmt.Errorf("send agent settings: %w", err)
	}
	s.filler.Preload(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.closeAgent()
		return nil
	})
	g.Go(func() error {
		defer s.closeCaller()
		w := callerWriter{
			ws:         s.conn,
			ctx:        gctx,
			cfg:        s.cfg,
			frames:     s.outbound,
			isCanceled: s.filler.IsCanceled,
		}
		if err := w.Run(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("write caller: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.readCaller(gctx) })
	g.Go(func() error { return s.sendAgent(gctx) })
	g.Go(func() error { return s.readAgent(gctx) })
	g.Go(func() error { return s.relayOutbound(gctx) })
	return g.Wait()
}

func (s *CallSession) classify(ctx context.Context, err error) (string, error) {
	switch {
	case errors.Is(err, errCallerStopped):
		return EndCallerStop, nil
	case errors.Is(err, errCallerClosed):
		return EndCallerClosed, nil
	case errors.Is(err, errAgentClosed):
		return EndAgentClosed, err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return EndMaxDuration, nil
	case ctx.Err() != nil:
		return EndCanceled, nil
	case err != nil:
		return EndError, err
	default:
		return EndCanceled, nil
	}
}

func (s *CallSession) finish(reason string, runErr error) {
	s.filler.Close()
	if s.tts != nil {
		s.tts.Discard()
	}

	ended := s.now()
	s.mu.Lock()
	streamSID, callSID := s.streamSID, s.callSID
	s.mu.Unlock()

	if s.records != nil {
		rec := callrecord.Record{
			SessionID:    s.sessionID,
			StreamSID:    streamSID,
			CallSID:      callSID,
			StartedAt:    s.startTime,
			EndedAt:      ended,
			EndReason:    reason,
			Transcript:   s.stats.transcriptSnapshot(),
			BargeIns:     s.stats.bargeIns,
			Fillers:      s.filler.Started(),
			FirstAudioMS: s.stats.firstAudio,
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordSaveTimeout)
		if err := s.records.Save(ctx, rec); err != nil {
			s.logger.Warn("call record save failed", "error", err)
		}
		cancel()
	}

	s.metrics.SessionEnded(reason)
	attrs := []any{
		"reason", reason,
		"stream_sid", streamSID,
		"duration_ms", ended.Sub(s.startTime).Milliseconds(),
		"barge_ins", s.stats.bargeIns,
		"fillers", s.filler.Started(),
	}
	if runErr != nil {
		s.logger.Warn("call session ended", append(attrs, "error", runErr)...)
		return
	}
	s.logger.Info("call session ended", attrs...)
}

func (s *CallSession) readCaller(ctx context.Context) error {
	frames := NewFrameBuffer(s.cfg.FrameBytes)
	defer frames.Reset()
	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBPS, s.cfg.InboundBurstSeconds)
	trackVoice := s.cfg.FillerPolicy == FillerOnSilenceGap

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errCallerClosed
			}
			return fmt.Errorf("read caller: %w", err)
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeCallerMessage(data)
		if err != nil {
			s.logger.Warn("discarding malformed caller message", "error", err)
			s.metrics.Malformed("caller")
			continue
		}

		switch m := msg.(type) {
		case protocol.CallerConnected:
			s.logger.Debug("caller connected", "protocol", m.Protocol, "version", m.Version)
		case protocol.CallerStart:
			s.onCallerStart(m)
		case protocol.CallerMedia:
			if !m.Inbound() {
				continue
			}
			payload, err := m.Audio()
			if err != nil {
				s.logger.Warn("discarding caller media with bad payload", "error", err)
				s.metrics.Malformed("caller")
				continue
			}
			if !limiter.Allow(len(payload)) {
				s.metrics.InboundDropped()
				continue
			}
			frames.Append(payload)
			for frame := range frames.Frames() {
				if trackVoice && audio.IsVoiced(frame, s.cfg.VoiceThreshold) {
					s.lastVoice.Store(s.now().UnixNano())
				}
				select {
				case s.toAgent <- frame:
				case <-ctx.Done():
					return nil
				}
			}
		case protocol.CallerMark:
			s.logger.Debug("caller played mark", "mark", m.Mark.Name)
		case protocol.CallerDTMF:
			s.logger.Info("caller dtmf", "digit", m.DTMF.Digit)
		case protocol.CallerStop:
			s.logger.Info("caller stopped stream", "stream_sid", m.StreamSID)
			return errCallerStopped
		}
	}
}

func (s *CallSession) onCallerStart(m protocol.CallerStart) {
	s.mu.Lock()
	if s.streamSID != "" {
		current := s.streamSID
		s.mu.Unlock()
		s.logger.Warn("ignoring repeated caller start", "stream_sid", current, "repeated", m.Start.StreamSID)
		return
	}
	s.streamSID = m.Start.StreamSID
	s.callSID = m.Start.CallSID
	s.mu.Unlock()

	s.streamReady <- m.Start.StreamSID
	s.logger.Info("caller stream started",
		"stream_sid", m.Start.StreamSID,
		"call_sid", m.Start.CallSID,
		"tracks", m.Start.Tracks,
		"sample_rate", m.Start.MediaFormat.SampleRate,
	)
}

func (s *CallSession) sendAgent(ctx context.Context) error {
	keepAlive := time.NewTicker(s.cfg.AgentKeepAlive)
	defer keepAlive.Stop()
	lastSent := s.now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-s.toAgent:
			if err := s.writeAgent(websocket.BinaryMessage, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write agent audio: %w", err)
			}
			lastSent = s.now()
			s.lastForward.Store(lastSent.UnixNano())
			s.metrics.FrameForwarded()
		case <-keepAlive.C:
			if s.now().Sub(lastSent) < s.cfg.AgentKeepAlive {
				continue
			}
			if err := s.writeAgent(websocket.TextMessage, protocol.KeepAliveMessage); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write agent keepalive: %w", err)
			}
			lastSent = s.now()
		}
	}
}

func (s *CallSession) writeAgent(messageType int, data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.agent.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.agent.WriteMessage(messageType, data)
}

func (s *CallSession) readAgent(ctx context.Context) error {
	for {
		messageType, data, err := s.agent.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("%w: code %d %s", errAgentClosed, closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("read agent: %w", err)
		}
		select {
		case s.fromAgent <- agentMessage{messageType: messageType, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

// relayOutbound is the single consumer of agent messages. It owns the turn
// machine, the buffered-mode accumulator and the call statistics.
func (s *CallSession) relayOutbound(ctx context.Context) error {
	var streamSID string
	select {
	case <-ctx.Done():
		return nil
	case streamSID = <-s.streamReady:
	}

	var gapTick <-chan time.Time
	if s.cfg.FillerPolicy == FillerOnSilenceGap {
		ticker := time.NewTicker(silenceCheckInterval)
		defer ticker.Stop()
		gapTick = ticker.C
	}
	var gap silenceGap

	for {
		var idle <-chan time.Time
		if s.tts != nil {
			idle = s.tts.C()
		}
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.fromAgent:
			s.handleAgentMessage(ctx, streamSID, msg)
		case <-idle:
			s.flushTTS(ctx, streamSID)
		case <-gapTick:
			if gap.elapsed(s.lastVoice.Load(), s.now(), s.cfg.FillerSilenceGap) {
				if act := s.machine.onSilenceGap(); act.startFiller {
					s.filler.Start(ctx, streamSID)
				}
			}
		}
	}
}

func (s *CallSession) handleAgentMessage(ctx context.Context, streamSID string, msg agentMessage) {
	switch msg.messageType {
	case websocket.BinaryMessage:
		s.handleAgentAudio(ctx, streamSID, msg.data)
		return
	case websocket.TextMessage:
	default:
		return
	}

	decoded, err := protocol.DecodeAgentMessage(msg.data)
	if err != nil {
		s.logger.Warn("discarding malformed agent message", "error", err)
		s.metrics.Malformed("agent")
		return
	}

	switch m := decoded.(type) {
	case protocol.UserStartedSpeaking:
		act := s.machine.onUserStartedSpeaking()
		if act.flush {
			s.flushTTS(ctx, streamSID)
		}
		if act.clear {
			payload, err := protocol.EncodeClear(streamSID)
			s.enqueueControl(ctx, payload, err)
		}
		s.stats.bargeIns++
		s.metrics.BargeIn()
		s.logger.Info("caller barged in")
	case protocol.AgentStartedSpeaking:
		s.machine.onAgentStartedSpeaking()
		s.logger.Debug("agent started speaking", "total_latency", m.TotalLatency)
	case protocol.AgentThinking:
		s.machine.onThinking()
	case protocol.AgentAudioDoneEvent:
		act := s.machine.onAudioDone()
		s.flushTTS(ctx, streamSID)
		if act.cancelFillerLater {
			s.filler.CancelAfter(s.cfg.FillerCancelGrace)
		}
		s.marks++
		payload, err := protocol.EncodeMark(streamSID, "turn-"+strconv.Itoa(s.marks))
		s.enqueueControl(ctx, payload, err)
	case protocol.ConversationText:
		s.stats.appendText(m.Role, m.Content, s.now())
		s.logger.Debug("conversation text", "role", m.Role, "content", m.Content)
		if act := s.machine.onConversationText(m.Role); act.startFiller {
			s.machine.fillerStarted(s.filler.Start(ctx, streamSID))
		}
	case protocol.AgentWelcomeEvent:
		s.logger.Info("agent connected", "agent_request_id", m.RequestID)
	case protocol.AgentSettingsAppliedEvent:
		s.logger.Info("agent settings applied")
	case protocol.AgentErrorEvent:
		if m.Type == protocol.AgentWarning {
			s.logger.Warn("agent warning", "code", m.Code, "message", m.Text())
			return
		}
		s.logger.Warn("agent error", "code", m.Code, "message", m.Text())
	case protocol.AgentUnknown:
		s.logger.Debug("ignoring agent event", "type", m.Type)
	}
}

func (s *CallSession) handleAgentAudio(ctx context.Context, streamSID string, chunk []byte) {
	act := s.machine.onAudio()
	if !act.forward {
		s.metrics.ChunkSuppressed()
		return
	}
	if act.firstChunk {
		if act.cancelFiller {
			s.filler.Cancel()
		}
		if last := s.lastForward.Load(); last > 0 {
			latency := s.now().Sub(time.Unix(0, last))
			s.stats.recordFirstAudio(latency)
			s.metrics.FirstAudio(latency)
			s.logger.Info("first agent audio", "latency_ms", latency.Milliseconds())
		}
	}
	if s.tts != nil {
		s.tts.Add(chunk)
		return
	}
	s.enqueueMedia(ctx, streamSID, chunk)
}

func (s *CallSession) flushTTS(ctx context.Context, streamSID string) {
	if s.tts == nil {
		return
	}
	out, err := s.tts.Flush(ctx)
	if err != nil {
		s.metrics.TransformFailed()
		s.logger.Warn("audio transform failed, sending raw audio", "bytes", len(out), "error", err)
	}
	if len(out) == 0 {
		return
	}
	s.enqueueMedia(ctx, streamSID, out)
}

func (s *CallSession) enqueueMedia(ctx context.Context, streamSID string, chunk []byte) {
	payload, err := protocol.EncodeMedia(streamSID, chunk)
	if err != nil {
		s.logger.Warn("encode caller media failed", "error", err)
		return
	}
	select {
	case s.outbound <- outboundFrame{payload: payload}:
		s.metrics.ChunkForwarded()
	case <-ctx.Done():
	}
}

func (s *CallSession) enqueueControl(ctx context.Context, payload []byte, err error) {
	if err != nil {
		s.logger.Warn("encode caller control failed", "error", err)
		return
	}
	select {
	case s.outbound <- outboundFrame{payload: payload}:
	case <-ctx.Done():
	}
}

// enqueueFiller never blocks; a full queue drops the chunk.
func (s *CallSession) enqueueFiller(streamSID string, chunk []byte, taskID uint64) bool {
	payload, err := protocol.EncodeMedia(streamSID, chunk)
	if err != nil {
		return false
	}
	select {
	case s.outbound <- outboundFrame{payload: payload, fillerTask: taskID}:
		return true
	default:
		return false
	}
}

func (s *CallSession) closeCaller() {
	s.callerOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *CallSession) closeAgent() {
	s.agentOnce.Do(func() {
		if s.agent == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		_ = s.agent.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.agent.Close()
	})
}

func (s *CallSession) closeAll() {
	s.closeAgent()
	s.closeCaller()
}

// silenceGap fires once per stretch of caller silence longer than the gap.
type silenceGap struct {
	lastVoice int64
	fired     bool
}

func (g *silenceGap) elapsed(lastVoice int64, now time.Time, gap time.Duration) bool {
	if lastVoice != g.lastVoice {
		g.lastVoice = lastVoice
		g.fired = false
	}
	if g.fired || now.Sub(time.Unix(0, lastVoice)) < gap {
		return false
	}
	g.fired = true
	return true
}
