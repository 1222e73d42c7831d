// Package jobscript writes the bash script that submits one batch job per
// sweep case.
//
// The script starts with an interpreter line; each case adds a `cd` into its
// workspace followed by the submission command. Close makes the script
// executable by its owner only.
package jobscript

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

const (
	// Shebang is the first line of every job script.
	Shebang = "#!/bin/bash"
	// DefaultSubmitCommand submits the job descriptor to the scheduler.
	DefaultSubmitCommand = "sbatch"
	// DefaultDescriptor is the job descriptor expected in each workspace.
	DefaultDescriptor = "submit.job"
	// Mode is the permission set applied by Close.
	Mode os.FileMode = 0700
)

// ErrClosed is returned when the emitter is used after Close.
var ErrClosed = errors.New("job script already closed")

// Emitter appends submission blocks to a job script.
type Emitter struct {
	path          string
	file          *os.File
	w             *bufio.Writer
	submitCommand string
	descriptor    string
	blocks        int
	closed        bool
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithSubmitCommand overrides the submission command (default sbatch).
func WithSubmitCommand(cmd string) Option {
	return func(e *Emitter) {
		if cmd != "" {
			e.submitCommand = cmd
		}
	}
}

// WithDescriptor overrides the descriptor file name (default submit.job).
func WithDescriptor(name string) Option {
	return func(e *Emitter) {
		if name != "" {
			e.descriptor = name
		}
	}
}

// Open creates or truncates the script at path and writes the interpreter line.
func Open(path string, opts ...Option) (*Emitter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create job script: %w", err)
	}
	e := &Emitter{
		path:          path,
		file:          f,
		w:             bufio.NewWriter(f),
		submitCommand: DefaultSubmitCommand,
		descriptor:    DefaultDescriptor,
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, err := e.w.WriteString(Shebang + "\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write job script header: %w", err)
	}
	return e, nil
}

// Path returns the script location.
func (e *Emitter) Path() string {
	return e.path
}

// Blocks returns the number of appended cases.
func (e *Emitter) Blocks() int {
	return e.blocks
}

// Append adds the submission block for one workspace.
func (e *Emitter) Append(workspace string) error {
	if e.closed {
		return ErrClosed
	}
	block := fmt.Sprintf("cd %s\n%s %s\n", Quote(workspace), e.submitCommand, e.descriptor)
	if _, err := e.w.WriteString(block); err != nil {
		return fmt.Errorf("write job script: %w", err)
	}
	e.blocks++
	return nil
}

// Flush writes buffered blocks to disk without finalizing the script.
func (e *Emitter) Flush() error {
	if e.closed {
		return ErrClosed
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flush job script: %w", err)
	}
	return nil
}

// Close flushes, closes and chmods the script to owner read/write/execute.
func (e *Emitter) Close() error {
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	if err := e.w.Flush(); err != nil {
		e.file.Close()
		return fmt.Errorf("flush job script: %w", err)
	}
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("close job script: %w", err)
	}
	if err := os.Chmod(e.path, Mode); err != nil {
		return fmt.Errorf("chmod job script: %w", err)
	}
	return nil
}

// Abandon flushes and closes the file without making it executable.
func (e *Emitter) Abandon() error {
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	flushErr := e.w.Flush()
	closeErr := e.file.Close()
	return errors.Join(flushErr, closeErr)
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s quoted for a POSIX shell when it contains anything beyond
// plain path characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}
