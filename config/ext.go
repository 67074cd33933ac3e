package config

import (
	"fmt"
	"os/exec"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "500ms" in config files.
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

type ShellCommand []string

// ToCommand replaces every "$INPUT" segment with input.
func (s ShellCommand) ToCommand(input string) (*exec.Cmd, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	args := make([]string, len(s))
	for i, segment := range s {
		if segment == "$INPUT" {
			segment = input
		}
		args[i] = segment
	}

	return exec.Command(args[0], args[1:]...), nil
}

// TagString is a struct-tag formatted option string, e.g. `baud:"115200" byte:"f"`
type TagString reflect.StructTag

func (d TagString) GetInt(key string, defaultValue int) (int, error) {
	value := reflect.StructTag(d).Get(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func (d TagString) Get(key string) string {
	return reflect.StructTag(d).Get(key)
}

type SerialPortExt TagString

func (e SerialPortExt) GetBaud(defaultValue int) (int, error) {
	return TagString(e).GetInt("baud", defaultValue)
}

// GetPulse returns the byte written per frame, "f" unless overridden.
func (e SerialPortExt) GetPulse() byte {
	v := TagString(e).Get("pulse")
	if v == "" {
		return 'f'
	}
	return v[0]
}
