// Package events is the classification table for inbound realtime events.
// It is the only place that decides which conversational role an event
// belongs to; nothing else may infer a role from payload shape.
package events

import (
	"sort"
	"strings"

	"github.com/vango-go/vai-voice/pkg/voice/types"
)

type Category string

const (
	CategorySession          Category = "session"
	CategoryTranscriptDelta  Category = "transcript.delta"
	CategoryTranscriptDone   Category = "transcript.done"
	CategoryTranscriptFailed Category = "transcript.failed"
	CategoryActivity         Category = "activity"
	CategoryAudio            Category = "audio"
	CategoryResponse         Category = "response"
	CategoryError            Category = "error"
	CategoryInfo             Category = "info"
	CategoryUnknown          Category = "unknown"
)

const (
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"

	TypeInputTranscriptDelta     = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	TypeInputTranscriptFailed    = "conversation.item.input_audio_transcription.failed"

	TypeSpeechStarted      = "input_audio_buffer.speech_started"
	TypeSpeechStopped      = "input_audio_buffer.speech_stopped"
	TypeInputCommitted     = "input_audio_buffer.committed"
	TypeInputCleared       = "input_audio_buffer.cleared"
	TypeOutputAudioStarted = "output_audio_buffer.started"
	TypeOutputAudioStopped = "output_audio_buffer.stopped"
	TypeOutputAudioCleared = "output_audio_buffer.cleared"

	TypeAudioTranscriptDelta       = "response.audio_transcript.delta"
	TypeAudioTranscriptDone        = "response.audio_transcript.done"
	TypeOutputAudioTranscriptDelta = "response.output_audio_transcript.delta"
	TypeOutputAudioTranscriptDone  = "response.output_audio_transcript.done"
	TypeTextDelta                  = "response.text.delta"
	TypeTextDone                   = "response.text.done"
	TypeOutputTextDelta            = "response.output_text.delta"
	TypeOutputTextDone             = "response.output_text.done"

	TypeAudioDelta       = "response.audio.delta"
	TypeAudioDone        = "response.audio.done"
	TypeOutputAudioDelta = "response.output_audio.delta"
	TypeOutputAudioDone  = "response.output_audio.done"

	TypeResponseCreated = "response.created"
	TypeResponseDone    = "response.done"

	TypeItemCreated       = "conversation.item.created"
	TypeRateLimitsUpdated = "rate_limits.updated"
	TypeError             = "error"
)

// Entry is one row of the classification table. HasRole is false for
// lifecycle and informational events that belong to neither side.
type Entry struct {
	Role     types.Role
	HasRole  bool
	Category Category
}

func user(c Category) Entry      { return Entry{Role: types.RoleUser, HasRole: true, Category: c} }
func assistant(c Category) Entry { return Entry{Role: types.RoleAssistant, HasRole: true, Category: c} }
func neutral(c Category) Entry   { return Entry{Category: c} }

var table = map[string]Entry{
	TypeSessionCreated: neutral(CategorySession),
	TypeSessionUpdated: neutral(CategorySession),

	TypeInputTranscriptDelta:     user(CategoryTranscriptDelta),
	TypeInputTranscriptCompleted: user(CategoryTranscriptDone),
	TypeInputTranscriptFailed:    user(CategoryTranscriptFailed),
	TypeSpeechStarted:            user(CategoryActivity),
	TypeSpeechStopped:            user(CategoryActivity),
	TypeInputCommitted:           user(CategoryActivity),
	TypeInputCleared:             user(CategoryActivity),

	TypeAudioTranscriptDelta:       assistant(CategoryTranscriptDelta),
	TypeAudioTranscriptDone:        assistant(CategoryTranscriptDone),
	TypeOutputAudioTranscriptDelta: assistant(CategoryTranscriptDelta),
	TypeOutputAudioTranscriptDone:  assistant(CategoryTranscriptDone),
	TypeTextDelta:                  assistant(CategoryTranscriptDelta),
	TypeTextDone:                   assistant(CategoryTranscriptDone),
	TypeOutputTextDelta:            assistant(CategoryTranscriptDelta),
	TypeOutputTextDone:             assistant(CategoryTranscriptDone),
	TypeAudioDelta:                 assistant(CategoryAudio),
	TypeAudioDone:                  assistant(CategoryAudio),
	TypeOutputAudioDelta:           assistant(CategoryAudio),
	TypeOutputAudioDone:            assistant(CategoryAudio),
	TypeOutputAudioStarted:         assistant(CategoryActivity),
	TypeOutputAudioStopped:         assistant(CategoryActivity),
	TypeOutputAudioCleared:         assistant(CategoryActivity),
	TypeResponseCreated:            assistant(CategoryResponse),
	TypeResponseDone:               assistant(CategoryResponse),

	TypeItemCreated:       neutral(CategoryInfo),
	TypeRateLimitsUpdated: neutral(CategoryInfo),
	TypeError:             neutral(CategoryError),
}

// Registry exposes the table as a value so it can be passed to components
// that want an explicit dependency. The zero value is ready to use.
type Registry struct{}

func (Registry) RoleFor(eventType string) (types.Role, bool) { return RoleFor(eventType) }
func (Registry) CategoryOf(eventType string) Category       { return CategoryOf(eventType) }
func (Registry) Known(eventType string) bool                { return Known(eventType) }

// RoleFor returns the role that owns eventType. Unknown and role-less event
// types report false.
func RoleFor(eventType string) (types.Role, bool) {
	e, ok := lookup(eventType)
	if !ok || !e.HasRole {
		return "", false
	}
	return e.Role, true
}

// CategoryOf returns the handler category for eventType, or CategoryUnknown.
func CategoryOf(eventType string) Category {
	e, ok := lookup(eventType)
	if !ok {
		return CategoryUnknown
	}
	return e.Category
}

func Known(eventType string) bool {
	_, ok := lookup(eventType)
	return ok
}

// Types lists every registered event type in sorted order.
func Types() []string {
	out := make([]string, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func lookup(eventType string) (Entry, bool) {
	e, ok := table[strings.TrimSpace(eventType)]
	return e, ok
}
