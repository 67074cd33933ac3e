package control

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type Name string

const (
	CmdExit            Name = "cmd_exit"
	CmdSetSource       Name = "cmd_set_vidsrc"
	CmdSetCameraConfig Name = "cmd_set_cmr_configs"

	MsgError         Name = "msg_error"
	CmdGetBackground Name = "cmd_get_bg"
)

// Command is one of Exit, SetSource, SetCameraConfig or Unknown.
type Command interface {
	Name() Name
	isCommand()
}

// Exit stops the worker.
type Exit struct{}

// SetSource selects the hardware source when Path is empty, a recorded file otherwise.
type SetSource struct {
	Path string
}

// SetCameraConfig overrides capture properties of the hardware source.
type SetCameraConfig struct {
	Properties map[string]float64
}

// Unknown is whatever could not be decoded into a known command.
type Unknown struct {
	Command Name
	Reason  string
}

func (Exit) Name() Name            { return CmdExit }
func (SetSource) Name() Name       { return CmdSetSource }
func (SetCameraConfig) Name() Name { return CmdSetCameraConfig }
func (u Unknown) Name() Name       { return u.Command }

func (Exit) isCommand()            {}
func (SetSource) isCommand()       {}
func (SetCameraConfig) isCommand() {}
func (Unknown) isCommand()         {}

type ControlMessage struct {
	ID      uuid.UUID
	Target  string
	Command Command
}

func NewMessage(target string, command Command) ControlMessage {
	return ControlMessage{
		ID:      uuid.New(),
		Target:  target,
		Command: command,
	}
}

type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Target  string          `json:"target"`
	Command Name            `json:"command"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// UnmarshalJSON never fails on an unrecognized command or a bad value, those decode into Unknown.
func (m *ControlMessage) UnmarshalJSON(data []byte) error {
	wire := wireMessage{}
	err := json.Unmarshal(data, &wire)
	if err != nil {
		return err
	}

	if wire.ID == "" {
		m.ID = uuid.New()
	} else {
		m.ID, err = uuid.Parse(wire.ID)
		if err != nil {
			return fmt.Errorf("invalid message id %q: %w", wire.ID, err)
		}
	}

	m.Target = wire.Target
	m.Command = Decode(wire.Command, wire.Value)

	return nil
}

func (m ControlMessage) MarshalJSON() ([]byte, error) {
	wire := wireMessage{
		Target: m.Target,
	}
	if m.ID != uuid.Nil {
		wire.ID = m.ID.String()
	}

	var value any
	switch c := m.Command.(type) {
	case Exit:
		wire.Command = CmdExit
	case SetSource:
		wire.Command = CmdSetSource
		value = c.Path
	case SetCameraConfig:
		wire.Command = CmdSetCameraConfig
		value = c.Properties
	case Unknown:
		wire.Command = c.Command
	case nil:
		return nil, fmt.Errorf("message %s has no command", m.ID)
	default:
		return nil, fmt.Errorf("unsupported command type %T", c)
	}

	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		wire.Value = raw
	}

	return json.Marshal(wire)
}

func isNull(value json.RawMessage) bool {
	return len(value) == 0 || string(value) == "null"
}

// Decode turns a command name and its raw JSON value into a Command.
func Decode(name Name, value json.RawMessage) Command {
	switch name {
	case CmdExit:
		return Exit{}
	case CmdSetSource:
		path := ""
		if !isNull(value) {
			err := json.Unmarshal(value, &path)
			if err != nil {
				return Unknown{Command: name, Reason: "value must be a file path or null"}
			}
		}
		return SetSource{Path: path}
	case CmdSetCameraConfig:
		properties := map[string]float64{}
		if isNull(value) {
			return Unknown{Command: name, Reason: "value must be a property map"}
		}
		err := json.Unmarshal(value, &properties)
		if err != nil || len(properties) == 0 {
			return Unknown{Command: name, Reason: "value must be a non empty property map"}
		}
		return SetCameraConfig{Properties: properties}
	case "":
		return Unknown{Command: name, Reason: "missing command"}
	default:
		return Unknown{Command: name, Reason: "unknown command"}
	}
}

// StatusMessage is sent to the supervisor without acknowledgement.
type StatusMessage struct {
	Device  string `json:"device"`
	Command Name   `json:"command"`
	Value   string `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}
