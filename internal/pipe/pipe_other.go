//go:build !unix

package pipe

import (
	"errors"
	"os"
)

func Ensure(path string) error { return ErrUnsupported }

func (e *ReadEndpoint) Open() (*Reader, error) {
	defer e.markReturned()
	return nil, ErrUnsupported
}

func (e *ReadEndpoint) Interrupt() {}

func (e *WriteEndpoint) Open() (*os.File, error) {
	defer e.markReturned()
	return nil, ErrUnsupported
}

func (e *WriteEndpoint) Interrupt() {}

func NewReader(file *os.File) (*Reader, error) {
	return &Reader{file: file, cr: &fileReader{r: file}}, nil
}

func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
