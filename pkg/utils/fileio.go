//
// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
//

package utils

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ReadFile reads file content for a given file location.
func ReadFile(path string) ([]byte, error) {
	str, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(str)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// Fio is a pointer to the shared FileIO implementation
var Fio FileIO = &OSFileIO{}

// File is an interface for basic file based io methods
type File interface {
	io.ReadWriteCloser
	io.StringWriter
	SetWriteDeadline(t time.Time) error
}

// FileIO is an interface for filesystem methods
type FileIO interface {
	CreatePath(path string) error
	Delete(path string) error
	Exists(path string) bool
	OpenRead(path string) (File, error)
	OpenWriteOrCreate(name string) (File, error)
	OpenAppend(name string) (File, error)
	LockExclusive(file File) error
	Unlock(file File) error
	ReadLine(file File) (string, error)
}

// OSFileIO implements fileIO backed by default os methods
type OSFileIO struct{}

// CreatePath creates a directory and all parents if required. Returns nil on success or an error otherwise.
// This implementation is backed by os.MkdirAll.
func (OSFileIO) CreatePath(path string) error { return os.MkdirAll(path, 0755) }

// Delete deletes a single file or directory with all contained elements. Returns nil on success or an error otherwise.
// This implementation is backed by os.Remove.
func (OSFileIO) Delete(path string) error { return os.RemoveAll(path) }

// Exists reports whether the path refers to an existing file or directory.
// This implementation is backed by os.Stat.
func (OSFileIO) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// OpenRead opens a file for reading. Returns a file which can be accessed for further processing. If opening the file
// fails, an error is returned instead.
// This implementation is backed by os.Open.
func (OSFileIO) OpenRead(path string) (File, error) { return os.Open(path) }

// OpenWriteOrCreate opens a file for write access. The given file is created in case it does not exist. On success, a file
// is returned for further interaction. Otherwise, an error is returned.
// This implementation is backed by os.OpenFile.
func (OSFileIO) OpenWriteOrCreate(path string) (File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

// OpenAppend opens a file for append-only write access, creating it if it does not exist. On success, a file is
// returned for further interaction. Otherwise, an error is returned.
// This implementation is backed by os.OpenFile.
func (OSFileIO) OpenAppend(path string) (File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// LockExclusive takes an exclusive advisory lock on the file without blocking. Returns an error if another process
// already holds the lock, which enforces the single-writer rule on episode exports.
// This implementation is backed by unix.Flock.
func (OSFileIO) LockExclusive(file File) error {
	f, ok := file.(*os.File)
	if !ok {
		return nil
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// Unlock releases the advisory lock taken by LockExclusive.
// This implementation is backed by unix.Flock.
func (OSFileIO) Unlock(file File) error {
	f, ok := file.(*os.File)
	if !ok {
		return nil
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// ReadLine reads a line from a file. Returns the line read on success. If an error occurred before finding end of line,
// an error is returned. This can also include io.EOF.
// This implementation is backed by bufio.Reader.
func (OSFileIO) ReadLine(file File) (string, error) {
	r := bufio.NewReader(file)
	str, err := r.ReadString('\n')
	return strings.TrimRight(str, "\n"), err
}
