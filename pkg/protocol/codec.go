package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Envelope is the on-wire form of every message: a type discriminator plus
// the type's payload. Unknown fields inside Data are ignored on decode, so
// the schema can grow additively.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a typed payload in an envelope. Both directions of the
// protocol go through here.
func Encode(msg any) (Envelope, error) {
	var typ string
	switch msg.(type) {
	case AuthResult, *AuthResult:
		typ = TypeAuthResult
	case Config, *Config:
		typ = TypeConfig
	case Ipv6Update, *Ipv6Update:
		typ = TypeIpv6Update
	case CertUpdate, *CertUpdate:
		typ = TypeCertUpdate
	case UpdateAvailable, *UpdateAvailable:
		typ = TypeUpdateAvailable
	case ServiceCommand, *ServiceCommand:
		typ = TypeServiceCommand
	case Shutdown, *Shutdown:
		typ = TypeShutdown
	case Auth, *Auth:
		typ = TypeAuth
	case Heartbeat, *Heartbeat:
		typ = TypeHeartbeat
	case ConfigAck, *ConfigAck:
		typ = TypeConfigAck
	case ErrorReport, *ErrorReport:
		typ = TypeError
	case ServiceState, *ServiceState:
		typ = TypeServiceState
	default:
		return Envelope{}, fmt.Errorf("unencodable message type %T", msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}

	return Envelope{Type: typ, Data: data}, nil
}

// DecodeRegistry parses an envelope received by an agent. Unknown types
// decode to UnknownRegistry rather than an error.
func DecodeRegistry(env Envelope) (RegistryMessage, error) {
	switch env.Type {
	case TypeAuthResult:
		var m AuthResult
		return m, unmarshal(env, &m)
	case TypeConfig:
		var m Config
		return m, unmarshal(env, &m)
	case TypeIpv6Update:
		var m Ipv6Update
		return m, unmarshal(env, &m)
	case TypeCertUpdate:
		var m CertUpdate
		return m, unmarshal(env, &m)
	case TypeUpdateAvailable:
		var m UpdateAvailable
		return m, unmarshal(env, &m)
	case TypeServiceCommand:
		var m ServiceCommand
		return m, unmarshal(env, &m)
	case TypeShutdown:
		return Shutdown{}, nil
	default:
		return UnknownRegistry{Type: env.Type}, nil
	}
}

// DecodeAgent parses an envelope received by the registry. Unknown types
// decode to UnknownAgent rather than an error.
func DecodeAgent(env Envelope) (AgentMessage, error) {
	switch env.Type {
	case TypeAuth:
		var m Auth
		return m, unmarshal(env, &m)
	case TypeHeartbeat:
		var m Heartbeat
		return m, unmarshal(env, &m)
	case TypeConfigAck:
		var m ConfigAck
		return m, unmarshal(env, &m)
	case TypeError:
		var m ErrorReport
		return m, unmarshal(env, &m)
	case TypeServiceState:
		var m ServiceState
		return m, unmarshal(env, &m)
	default:
		return UnknownAgent{Type: env.Type}, nil
	}
}

func unmarshal(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", env.Type, err)
	}
	return nil
}

// Stream frames envelopes over a duplex byte stream as a sequence of JSON
// objects. Send and Recv may be used from different goroutines, but each is
// single-caller.
type Stream struct {
	enc *json.Encoder
	dec *json.Decoder
}

// NewStream wraps a connection in protocol framing.
func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{
		enc: json.NewEncoder(rw),
		dec: json.NewDecoder(rw),
	}
}

// Send encodes and writes one message.
func (s *Stream) Send(msg any) error {
	env, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := s.enc.Encode(env); err != nil {
		return fmt.Errorf("failed to write %s message: %w", env.Type, err)
	}
	return nil
}

// Recv reads the next envelope off the wire. Returns io.EOF when the peer
// closes cleanly.
func (s *Stream) Recv() (Envelope, error) {
	var env Envelope
	if err := s.dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
