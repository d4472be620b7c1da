// Package command holds the wire model shared by the dispatcher and the
// supervisors: the inbound envelope, the text response and the registry that
// maps a domain tag to the supervisor owning it.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Domain identifies the logical target of a command
type Domain string

const (
	DomainGameServer Domain = "gameserver"
	DomainImageGen   Domain = "imagegen"
)

// Instruction names shared by every supervisor
const (
	InstructionStatus      = "Status"
	InstructionStartup     = "Startup"
	InstructionShutdown    = "Shutdown"
	InstructionLogs        = "Logs"
	InstructionListPlayers = "ListPlayers"
)

// Envelope is one inbound command
type Envelope struct {
	Domain      Domain `json:"domain"`
	Instruction string `json:"instruction"`
	Arguments   Args   `json:"arguments,omitempty"`
}

var ErrBadEnvelope = errors.New("malformed command envelope")

// Decode parses a message body into an Envelope
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Domain == "" {
		return Envelope{}, fmt.Errorf("%w: missing domain", ErrBadEnvelope)
	}
	if strings.TrimSpace(env.Instruction) == "" {
		return Envelope{}, fmt.Errorf("%w: missing instruction", ErrBadEnvelope)
	}
	return env, nil
}

// Encode renders an Envelope as JSON
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Response is the text result of one command
type Response struct {
	Text string `json:"text"`
}

// Textf builds a plain response
func Textf(format string, a ...interface{}) Response {
	return Response{Text: fmt.Sprintf(format, a...)}
}

// Warnf builds a response for a refused or no-op command
func Warnf(format string, a ...interface{}) Response {
	return Response{Text: "Warning: " + fmt.Sprintf(format, a...)}
}

// Failf builds a response for a failed command
func Failf(format string, a ...interface{}) Response {
	return Response{Text: "Error: " + fmt.Sprintf(format, a...)}
}

// IsWarning reports whether r was built by Warnf
func (r Response) IsWarning() bool { return strings.HasPrefix(r.Text, "Warning: ") }

// IsFailure reports whether r was built by Failf
func (r Response) IsFailure() bool { return strings.HasPrefix(r.Text, "Error: ") }

// Encode renders a Response as JSON
func (r Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse parses a reply body
func DecodeResponse(body []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return Response{}, fmt.Errorf("malformed response: %w", err)
	}
	return r, nil
}

var ErrBadArgument = errors.New("bad argument")

// Args is the ordered, loosely typed argument list of a command
type Args []interface{}

// Bool reads argument i as a boolean. Missing arguments yield def.
// Accepts JSON booleans, 0/1 numbers and "true"/"false" style strings.
func (a Args) Bool(i int, def bool) (bool, error) {
	if i < 0 || i >= len(a) || a[i] == nil {
		return def, nil
	}
	switch v := a[i].(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return def, fmt.Errorf("%w: argument %d: %q is not a boolean", ErrBadArgument, i, v)
		}
		return b, nil
	default:
		return def, fmt.Errorf("%w: argument %d: %T is not a boolean", ErrBadArgument, i, v)
	}
}

// Int reads argument i as an integer. Missing arguments yield def.
// Accepts integral JSON numbers and numeric strings.
func (a Args) Int(i int, def int) (int, error) {
	if i < 0 || i >= len(a) || a[i] == nil {
		return def, nil
	}
	switch v := a[i].(type) {
	case float64:
		if v != float64(int(v)) {
			return def, fmt.Errorf("%w: argument %d: %v is not an integer", ErrBadArgument, i, v)
		}
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return def, fmt.Errorf("%w: argument %d: %q is not an integer", ErrBadArgument, i, v)
		}
		return n, nil
	default:
		return def, fmt.Errorf("%w: argument %d: %T is not an integer", ErrBadArgument, i, v)
	}
}

// ParseArgs converts command-line words into loosely typed arguments:
// booleans and integers are recognised, everything else stays a string.
func ParseArgs(words []string) Args {
	args := make(Args, 0, len(words))
	for _, w := range words {
		if b, err := strconv.ParseBool(w); err == nil {
			args = append(args, b)
			continue
		}
		if n, err := strconv.Atoi(w); err == nil {
			args = append(args, float64(n))
			continue
		}
		args = append(args, w)
	}
	return args
}
