package relay

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type EventType string

// Client event types (peer → upstream)
const (
	ClientEventTypeSessionUpdate          EventType = "session.update"
	ClientEventTypeInputAudioBufferAppend EventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit EventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  EventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate EventType = "conversation.item.create"
	ClientEventTypeResponseCreate         EventType = "response.create"
	ClientEventTypeResponseCancel         EventType = "response.cancel"
)

// Server event types (upstream → peer)
const (
	ServerEventTypeError                             EventType = "error"
	ServerEventTypeSessionCreated                    EventType = "session.created"
	ServerEventTypeSessionUpdated                    EventType = "session.updated"
	ServerEventTypeInputAudioBufferSpeechStarted     EventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped     EventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseCreated                   EventType = "response.created"
	ServerEventTypeResponseDone                      EventType = "response.done"
	ServerEventTypeResponseOutputAudioDelta          EventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone           EventType = "response.output_audio.done"
	ServerEventTypeResponseFunctionCallArgumentsDone EventType = "response.function_call_arguments.done"
)

// EventTypeUpstreamReady is synthesised by the relay once the upstream has
// acknowledged the session configuration.
const EventTypeUpstreamReady EventType = "xai.ready"

// Envelope is a data-channel or upstream message. Raw holds the exact bytes
// received so relaying never re-encodes.
type Envelope struct {
	Type EventType
	Raw  []byte
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, errors.New("envelope has no type")
	}
	return Envelope{Type: EventType(head.Type), Raw: data}, nil
}

// Decode fills p from the envelope body.
func (e Envelope) Decode(p EventParam) error {
	var m map[string]any
	if err := sonic.Unmarshal(e.Raw, &m); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Type, err)
	}
	if err := p.New(m); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Type, err)
	}
	return nil
}

// NewEvent builds an outbound message of the given type.
func NewEvent(t EventType, p EventParam) map[string]any {
	out := map[string]any{}
	if p != nil {
		for k, v := range p.Json() {
			out[k] = v
		}
	}
	out["type"] = string(t)
	return out
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// input_audio_buffer.append
type InputAudioBufferAppendParam struct {
	Audio string
}

func (p *InputAudioBufferAppendParam) New(m map[string]any) error {
	if v, ok := m["audio"].(string); ok {
		p.Audio = v
	} else {
		return errors.New("missing audio")
	}
	return nil
}

func (p *InputAudioBufferAppendParam) Json() map[string]any {
	return map[string]any{
		"audio": p.Audio,
	}
}

// response.output_audio.delta
type ResponseOutputAudioDeltaParam struct {
	ResponseId string
	ItemId     string
	Delta      string
}

func (p *ResponseOutputAudioDeltaParam) New(m map[string]any) error {
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	return nil
}

func (p *ResponseOutputAudioDeltaParam) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
		"delta":       p.Delta,
	}
}

// response.function_call_arguments.done
type ResponseFunctionCallArgumentsDoneParam struct {
	ResponseId string
	ItemId     string
	CallId     string
	Name       string
	Arguments  string
}

func (p *ResponseFunctionCallArgumentsDoneParam) New(m map[string]any) error {
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	} else {
		return errors.New("missing call_id")
	}
	if v, ok := m["name"].(string); ok {
		p.Name = v
	} else {
		return errors.New("missing name")
	}
	if v, ok := m["arguments"].(string); ok {
		p.Arguments = v
	} else {
		return errors.New("missing arguments")
	}
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	return nil
}

func (p *ResponseFunctionCallArgumentsDoneParam) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
		"call_id":     p.CallId,
		"name":        p.Name,
		"arguments":   p.Arguments,
	}
}

// error
type ErrorParam struct {
	Type    string
	Code    string
	Message string
}

func (p *ErrorParam) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		// some upstreams flatten the error object
		errObj = m
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	p.Type, _ = errObj["type"].(string)
	p.Code, _ = errObj["code"].(string)
	return nil
}

func (p *ErrorParam) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    p.Type,
			"code":    p.Code,
			"message": p.Message,
		},
	}
}
