package transport

import (
	"fmt"
	"io"
)

// Streaming control commands understood by both sensor boards.
var (
	StartStreamingCommand = []byte{255, 0}
	StopStreamingCommand  = []byte{254, 0}
)

// SetStreaming sends the start or stop command on w.
func SetStreaming(w io.Writer, on bool) error {
	cmd := StopStreamingCommand
	if on {
		cmd = StartStreamingCommand
	}
	n, err := w.Write(cmd)
	if err != nil {
		return fmt.Errorf("write streaming command: %w", err)
	}
	if n != len(cmd) {
		return fmt.Errorf("write streaming command: short write %d/%d", n, len(cmd))
	}
	return nil
}
