package main

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// ffplaySpeaker plays the reply audio stream through a child ffplay process.
// ffplay sniffs the container from the byte stream, so mp3 and wav replies
// both work. Reset kills the process, which is the only way to make ffplay
// drop already-buffered audio immediately.
type ffplaySpeaker struct {
	path   string
	volume int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFplaySpeaker(path string, volume int) (*ffplaySpeaker, error) {
	if path == "" {
		path = "ffplay"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("ffplay is required for speaker output: %w", err)
	}
	if volume <= 0 || volume > 100 {
		volume = 80
	}
	return &ffplaySpeaker{path: path, volume: volume}, nil
}

// Start spawns ffplay if it is not already running.
func (s *ffplaySpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command(s.path,
		"-hide_banner", "-loglevel", "error",
		"-nodisp", "-autoexit",
		"-volume", fmt.Sprintf("%d", s.volume),
		"-i", "-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *ffplaySpeaker) Write(pcm []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("speaker not running")
	}
	_, err := stdin.Write(pcm)
	return err
}

// Reset stops output immediately by killing the player.
func (s *ffplaySpeaker) Reset() error {
	return s.kill()
}

func (s *ffplaySpeaker) Close() error {
	return s.kill()
}

func (s *ffplaySpeaker) kill() error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}
