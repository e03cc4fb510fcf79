package engine

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const (
	envInheritFD = "BRONS_INHERIT_FD"
	envFD        = "BRONS_FD"
)

// Restarter re-executes brond and hands it the listening socket, so
// clients reconnecting their run streams land on the new process at the
// same address. The old process keeps serving until it shuts down.
type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
	Logger   *slog.Logger
}

// Restart starts the replacement process and returns once it is running.
func (r *Restarter) Restart() error {
	if r.Listener == nil {
		return fmt.Errorf("restart: listener not set")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("restart: args not set")
	}
	file, err := listenerFile(r.Listener)
	if err != nil {
		return err
	}
	defer file.Close()

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// ExtraFiles[0] becomes fd 3 in the child.
	cmd.Env = append(inheritedEnv(r.Env), envInheritFD+"=1", envFD+"=3")
	cmd.ExtraFiles = []*os.File{file}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start replacement: %w", err)
	}
	if r.Logger != nil {
		r.Logger.Info("started replacement process", "pid", cmd.Process.Pid)
	}
	return cmd.Process.Release()
}

func inheritedEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if name == envInheritFD || name == envFD {
			continue
		}
		out = append(out, kv)
	}
	return out
}

type filer interface {
	File() (*os.File, error)
}

func listenerFile(listener net.Listener) (*os.File, error) {
	ln, ok := listener.(filer)
	if !ok {
		return nil, fmt.Errorf("restart: cannot hand over %T", listener)
	}
	file, err := ln.File()
	if err != nil {
		return nil, fmt.Errorf("listener file: %w", err)
	}
	return file, nil
}

// ListenerFromEnv returns the socket passed down by Restart, or nil when
// brond was started fresh.
func ListenerFromEnv() (net.Listener, error) {
	if os.Getenv(envInheritFD) != "1" {
		return nil, nil
	}
	fd := 3
	if v := os.Getenv(envFD); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", envFD, err)
		}
		fd = n
	}
	file := os.NewFile(uintptr(fd), "inherited-listener")
	if file == nil {
		return nil, fmt.Errorf("fd %d is not open", fd)
	}
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("inherited listener: %w", err)
	}
	return ln, nil
}
