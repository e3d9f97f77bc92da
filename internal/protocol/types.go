// Package protocol implements the controller's command wire format.
//
// Records are separated by a single newline and fields within a record by
// a single horizontal tab. The first field is the verb and the remaining
// fields are positional arguments, so neither may contain a tab or a
// newline. The only verb is
//
//	start <executable> <arg>...
//
// which asks the controller to launch an allow-listed executable.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// RecordSeparator terminates every record.
	RecordSeparator = '\n'

	// FieldSeparator separates the verb and its arguments.
	FieldSeparator = '\t'
)

// VerbStart launches a worker: start <executable> <arg>...
const VerbStart = "start"

// minArgs is the argument count each known verb requires at least.
var minArgs = map[string]int{
	VerbStart: 1,
}

var (
	// ErrEmptyRecord is returned by Parse for a zero-length record. Such
	// records are ignored rather than reported.
	ErrEmptyRecord = errors.New("empty record")

	ErrEmptyVerb   = errors.New("empty verb")
	ErrUnknownVerb = errors.New("unknown verb")
	ErrArity       = errors.New("wrong number of arguments")
)

// Command is one decoded record.
type Command struct {
	Verb string
	Args []string
}

// Target returns the executable named by a start command, or "" if the
// command has no arguments.
func (c Command) Target() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// TargetArgs returns the arguments to pass through to the target.
func (c Command) TargetArgs() []string {
	if len(c.Args) < 2 {
		return nil
	}
	return c.Args[1:]
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Verb}, c.Args...), string(FieldSeparator))
}

// ParseError reports a malformed record. The stream remains usable.
type ParseError struct {
	Record string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed command %q: %v", e.Record, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
