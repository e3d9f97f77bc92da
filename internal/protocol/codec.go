package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Parse decodes a single record (without its trailing newline).
// A zero-length record yields ErrEmptyRecord. Malformed records yield a
// *ParseError wrapping ErrEmptyVerb, ErrUnknownVerb or ErrArity.
func Parse(record string) (Command, error) {
	if record == "" {
		return Command{}, ErrEmptyRecord
	}

	fields := strings.Split(record, string(FieldSeparator))
	verb := fields[0]
	if verb == "" {
		return Command{}, &ParseError{Record: record, Err: ErrEmptyVerb}
	}

	want, ok := minArgs[verb]
	if !ok {
		return Command{}, &ParseError{Record: record, Err: fmt.Errorf("%w %q", ErrUnknownVerb, verb)}
	}

	args := fields[1:]
	if len(args) < want {
		return Command{}, &ParseError{
			Record: record,
			Err:    fmt.Errorf("%w: %s needs at least %d, got %d", ErrArity, verb, want, len(args)),
		}
	}

	return Command{Verb: verb, Args: args}, nil
}

// Encode writes cmd as one record. Fields containing a separator are
// rejected since the framing cannot represent them.
func Encode(w io.Writer, cmd Command) error {
	if cmd.Verb == "" {
		return ErrEmptyVerb
	}
	for _, field := range append([]string{cmd.Verb}, cmd.Args...) {
		if strings.ContainsAny(field, "\t\n") {
			return fmt.Errorf("field %q contains a tab or newline", field)
		}
	}
	if _, err := io.WriteString(w, cmd.String()+string(RecordSeparator)); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// Framer splits a byte stream into newline-terminated records.
type Framer struct {
	r *bufio.Reader
}

// NewFramer returns a Framer reading from r.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReader(r)}
}

// ReadRecord returns the next record without its newline. At end of
// stream it returns io.EOF; a trailing fragment with no terminating
// newline is discarded. Any other read error is returned as is and any
// partially read data is dropped.
func (f *Framer) ReadRecord() (string, error) {
	line, err := f.r.ReadString(RecordSeparator)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	return line[:len(line)-1], nil
}
