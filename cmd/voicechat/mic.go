package main

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

// micCapture reads raw 16kHz mono s16le PCM from a child ffmpeg process.
type micCapture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newMicCapture(sampleRate int) (*micCapture, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg is required for mic capture: %w", err)
	}
	args, err := micArgs(runtime.GOOS, sampleRate)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &micCapture{cmd: cmd, stdout: stdout}, nil
}

func micArgs(goos string, sampleRate int) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture not implemented for %s (supported: darwin, linux)", goos)
	}
}

func (m *micCapture) Read(p []byte) (int, error) {
	return m.stdout.Read(p)
}

func (m *micCapture) Close() error {
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}
