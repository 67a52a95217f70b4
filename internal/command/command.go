package command

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/AtDexters-Lab/trainlink/internal/protocol"
	"github.com/mitchellh/mapstructure"
)

// Kind names an application command carried in the "command" field.
type Kind string

const (
	Ping            Kind = "ping"
	Pong            Kind = "pong"
	UpdateSpeedAuth Kind = "update_speed_auth"
	UpdateOccupancy Kind = "update_occupancy"
	SetSwitch       Kind = "set_switch"
	UpdateSignal    Kind = "update_signal"
)

const (
	fieldCommand = "command"
	fieldValue   = "value"
)

var kinds = map[Kind]struct{}{
	Ping: {}, Pong: {}, UpdateSpeedAuth: {}, UpdateOccupancy: {}, SetSwitch: {}, UpdateSignal: {},
}

var (
	ErrUnknownKind       = errors.New("unknown command kind")
	ErrAlreadyRegistered = errors.New("command kind already registered")
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// SpeedAuthority is the payload of update_speed_auth.
type SpeedAuthority struct {
	Train     string  `mapstructure:"train"`
	Block     int     `mapstructure:"block"`
	SpeedMPH  float64 `mapstructure:"speed_mph"`
	Authority int     `mapstructure:"authority"`
}

// Occupancy is the payload of update_occupancy.
type Occupancy struct {
	Line     string `mapstructure:"line"`
	Block    int    `mapstructure:"block"`
	Occupied bool   `mapstructure:"occupied"`
}

// Switch is the payload of set_switch.
type Switch struct {
	Line     string `mapstructure:"line"`
	Switch   int    `mapstructure:"switch"`
	Position string `mapstructure:"position"`
}

// Signal is the payload of update_signal.
type Signal struct {
	Line   string `mapstructure:"line"`
	Block  int    `mapstructure:"block"`
	Aspect string `mapstructure:"aspect"`
}

type handlerFunc func(value any, fromPeer string) error

// Dispatcher routes application messages to typed handlers by kind.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]handlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Kind]handlerFunc)}
}

// Register binds kind to fn. The message's "value" field is decoded into T
// before fn runs, weakly typed, so a JSON number fills an int field.
func Register[T any](d *Dispatcher, kind Kind, fn func(payload T, fromPeer string)) error {
	if !kind.Valid() {
		return fmt.Errorf("register '%s': %w", kind, ErrUnknownKind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[kind]; ok {
		return fmt.Errorf("register '%s': %w", kind, ErrAlreadyRegistered)
	}
	d.handlers[kind] = func(value any, fromPeer string) error {
		var payload T
		if value != nil {
			if err := decode(value, &payload); err != nil {
				return err
			}
		}
		fn(payload, fromPeer)
		return nil
	}
	return nil
}

// Handle matches the peer server's message callback.
func (d *Dispatcher) Handle(msg protocol.Message, fromPeer string) {
	raw, _ := msg[fieldCommand].(string)
	kind := Kind(raw)
	if !kind.Valid() {
		log.Printf("WARN: [COMMAND] Ignoring message from '%s' with unknown command %q", fromPeer, raw)
		return
	}

	d.mu.RLock()
	h := d.handlers[kind]
	d.mu.RUnlock()
	if h == nil {
		log.Printf("DEBUG: [COMMAND] No handler for '%s' from '%s'", kind, fromPeer)
		return
	}
	if err := h(msg[fieldValue], fromPeer); err != nil {
		log.Printf("WARN: [COMMAND] Bad '%s' payload from '%s': %v", kind, fromPeer, err)
	}
}

// NewMessage builds {"command": kind, "value": payload}. A nil payload
// leaves "value" out.
func NewMessage(kind Kind, payload any) (protocol.Message, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("new message '%s': %w", kind, ErrUnknownKind)
	}
	msg := protocol.Message{fieldCommand: string(kind)}
	if payload == nil {
		return msg, nil
	}
	var value map[string]any
	if err := mapstructure.Decode(payload, &value); err != nil {
		return nil, fmt.Errorf("new message '%s': %w", kind, err)
	}
	msg[fieldValue] = value
	return msg, nil
}

func decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
