package cmd

import (
	"bytes"
	"io"
	"sync"

	"github.com/mattn/go-colorable"
)

// consoleWriter syncs writes with a mutex and, if the output is a TTY,
// clears till the end of line before newlines.
type consoleWriter struct {
	Writer io.Writer
	IsTTY  bool
	Mutex  *sync.Mutex

	// raw is the undecorated output, used to turn colors off.
	raw io.Writer
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.IsTTY {
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}

	w.Mutex.Lock()
	n, err = w.Writer.Write(p)
	w.Mutex.Unlock()

	if err != nil && n < origLen {
		return n, err //nolint:wrapcheck
	}
	return origLen, err //nolint:wrapcheck
}

// disableColors strips the escape sequences written to w.
func (w *consoleWriter) disableColors() {
	if w.raw != nil {
		w.Writer = colorable.NewNonColorable(w.raw)
	}
	w.IsTTY = false
}
