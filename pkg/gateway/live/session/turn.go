package session

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vango-go/vai-phone/pkg/gateway/live/protocol"
)

// TurnPhase is the barge-in state of the current agent turn.
type TurnPhase int32

const (
	PhaseIdle TurnPhase = iota
	PhaseAgentSpeaking
	PhaseSuppressing
)

func (p TurnPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAgentSpeaking:
		return "agent_speaking"
	case PhaseSuppressing:
		return "suppressing"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// SuppressionScope decides how long agent audio is dropped after a barge-in.
type SuppressionScope int

const (
	// ScopeTurn drops audio until the agent marks a turn boundary
	// (AgentStartedSpeaking or AgentAudioDone).
	ScopeTurn SuppressionScope = iota
	// ScopeNextChunk ends suppression at the first binary message after the
	// barge-in.
	ScopeNextChunk
)

func (s SuppressionScope) String() string {
	if s == ScopeNextChunk {
		return "next_chunk"
	}
	return "turn"
}

func ParseSuppressionScope(v string) (SuppressionScope, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "turn":
		return ScopeTurn, nil
	case "next_chunk":
		return ScopeNextChunk, nil
	default:
		return ScopeTurn, fmt.Errorf("unknown suppression scope %q", v)
	}
}

// FillerPolicy selects what triggers a filler clip.
type FillerPolicy int

const (
	// FillerOnUtterance starts a filler when the agent reports the caller's
	// finished utterance.
	FillerOnUtterance FillerPolicy = iota
	// FillerOnSilenceGap starts a filler when the caller has been quiet for the
	// configured gap and the agent is not speaking.
	FillerOnSilenceGap
	FillerOff
)

func (p FillerPolicy) String() string {
	switch p {
	case FillerOnSilenceGap:
		return "silence_gap"
	case FillerOff:
		return "off"
	default:
		return "utterance"
	}
}

func ParseFillerPolicy(v string) (FillerPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "utterance":
		return FillerOnUtterance, nil
	case "silence_gap":
		return FillerOnSilenceGap, nil
	case "off", "none":
		return FillerOff, nil
	default:
		return FillerOnUtterance, fmt.Errorf("unknown filler policy %q", v)
	}
}

// Turn is the per-session turn state. The outbound pipeline is its only writer,
// except fillerActive which the filler controller maintains; every other task
// reads it through the accessors.
type Turn struct {
	phase        atomic.Int32
	speaking     atomic.Bool
	thinking     atomic.Bool
	suppressing  atomic.Bool
	fillerActive atomic.Bool
	fillerSent   atomic.Bool
}

func (t *Turn) Phase() TurnPhase   { return TurnPhase(t.phase.Load()) }
func (t *Turn) Speaking() bool     { return t.speaking.Load() }
func (t *Turn) Thinking() bool     { return t.thinking.Load() }
func (t *Turn) Suppressing() bool  { return t.suppressing.Load() }
func (t *Turn) FillerActive() bool { return t.fillerActive.Load() }
func (t *Turn) FillerSent() bool   { return t.fillerSent.Load() }

func (t *Turn) setPhase(p TurnPhase) { t.phase.Store(int32(p)) }

// turnAction tells the outbound pipeline what to do after an event. Flush runs
// before Clear.
type turnAction struct {
	flush        bool
	clear        bool
	forward      bool
	firstChunk   bool
	startFiller  bool
	cancelFiller bool
	// cancelFillerLater cancels after the grace delay.
	cancelFillerLater bool
}

type turnMachine struct {
	turn   *Turn
	scope  SuppressionScope
	policy FillerPolicy
}

func newTurnMachine(turn *Turn, scope SuppressionScope, policy FillerPolicy) *turnMachine {
	return &turnMachine{turn: turn, scope: scope, policy: policy}
}

func (m *turnMachine) onUserStartedSpeaking() turnAction {
	t := m.turn
	t.setPhase(PhaseSuppressing)
	t.suppressing.Store(true)
	t.speaking.Store(false)
	t.thinking.Store(true)
	t.fillerSent.Store(false)
	return turnAction{flush: true, clear: true}
}

func (m *turnMachine) onAudio() turnAction {
	t := m.turn
	switch t.Phase() {
	case PhaseAgentSpeaking:
		return turnAction{forward: true}
	case PhaseSuppressing:
		if m.scope != ScopeNextChunk {
			return turnAction{}
		}
	}
	t.setPhase(PhaseAgentSpeaking)
	t.suppressing.Store(false)
	t.speaking.Store(true)
	t.thinking.Store(false)
	return turnAction{forward: true, firstChunk: true, cancelFiller: true}
}

// onAgentStartedSpeaking marks the start of a new agent response. Under
// ScopeTurn it ends suppression so the response's first chunk is forwarded.
func (m *turnMachine) onAgentStartedSpeaking() turnAction {
	t := m.turn
	if t.Phase() == PhaseSuppressing && m.scope == ScopeTurn {
		t.setPhase(PhaseIdle)
		t.suppressing.Store(false)
	}
	return turnAction{}
}

func (m *turnMachine) onThinking() turnAction {
	m.turn.thinking.Store(true)
	return turnAction{}
}

func (m *turnMachine) onAudioDone() turnAction {
	t := m.turn
	t.setPhase(PhaseIdle)
	t.speaking.Store(false)
	t.thinking.Store(false)
	t.suppressing.Store(false)
	t.fillerSent.Store(false)
	return turnAction{cancelFillerLater: true}
}

func (m *turnMachine) onConversationText(role string) turnAction {
	if role != protocol.RoleUser {
		return turnAction{}
	}
	t := m.turn
	t.thinking.Store(true)
	if m.policy != FillerOnUtterance || t.Speaking() || t.FillerSent() {
		return turnAction{}
	}
	return turnAction{startFiller: true}
}

// fillerStarted records the outcome of a startFiller action for the current
// utterance. Only a filler that actually started uses up the utterance.
func (m *turnMachine) fillerStarted(started bool) {
	if started {
		m.turn.fillerSent.Store(true)
	}
}

// onSilenceGap is called once per detected caller silence gap.
func (m *turnMachine) onSilenceGap() turnAction {
	if m.policy != FillerOnSilenceGap || m.turn.Speaking() {
		return turnAction{}
	}
	return turnAction{startFiller: true}
}
