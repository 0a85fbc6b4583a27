package protocol

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Message is one unit of communication: a command name plus an ordered list
// of parameters. Every parameter's type must be registered in the Registry
// used to encode it.
type Message struct {
	Command    string
	Parameters []any
}

// NewMessage builds a Message. The parameter slice is copied.
func NewMessage(command string, params ...any) Message {
	p := make([]any, len(params))
	copy(p, params)
	return Message{Command: command, Parameters: p}
}

func (m Message) String() string {
	parts := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		parts[i] = fmt.Sprint(p)
	}
	return fmt.Sprintf("Command: %s, Parameters: %s", m.Command, strings.Join(parts, "  "))
}

// Param returns params[i] as a T.
//
// It fails with ErrNotEnoughParameters when i is out of range and with
// ErrParameterType when the value has a different type.
func Param[T any](params []any, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(params) {
		return zero, errors.Wrapf(ErrNotEnoughParameters, "want index %d, have %d", i, len(params))
	}
	v, ok := params[i].(T)
	if !ok {
		return zero, errors.Wrapf(ErrParameterType, "parameter %d is %T, want %T", i, params[i], zero)
	}
	return v, nil
}
