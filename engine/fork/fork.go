// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package fork implements fork-mode execution: the parent spawns a child
// process (normally the same binary, re-exec'd with forkedWorker set) and
// exchanges one JSON-lines request/response plus an optional cancellation
// message over stdin/stdout, grounded in main.go's preference for explicit
// process lifecycle control (os/exec, os/signal) rather than an in-process
// sandbox.
package fork

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"

	"github.com/seakee/jobengine/definition"
	"github.com/seakee/jobengine/job"
)

// killGracePeriod bounds how long the parent waits for a child to exit after
// a cancel message before forcibly killing it.
const killGracePeriod = 5 * time.Second

// Request is the single JSON line written to the child's stdin describing
// the job to run.
type Request struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Data any    `json:"data,omitempty"`
}

// Response is the single JSON line the child writes to stdout on completion.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type controlMessage struct {
	Cancel bool `json:"cancel,omitempty"`
}

// Options configures how the parent spawns the child worker.
type Options struct {
	Path string   // executable path, e.g. os.Args[0] for a self-reexec
	Args []string // extra args, typically including a forked-worker flag
}

// Runner is the parent-side fork-mode executor, implementing
// processor.Forker.
type Runner struct {
	opts Options
}

// New builds a Runner that spawns opts.Path for every fork-mode job.
func New(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run spawns the child, sends it name/id/data, and awaits its outcome.
// Context cancellation sends the child a "cancel" control message and gives
// it killGracePeriod to exit cleanly before the process is killed.
func (r *Runner) Run(ctx context.Context, name string, j *job.Job) error {
	cmd := exec.Command(r.opts.Path, r.opts.Args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "fork: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "fork: stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "fork: start child")
	}

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(Request{Name: name, ID: j.ID, Data: j.Data}); err != nil {
		_ = cmd.Process.Kill()
		return errors.Wrap(err, "fork: send request")
	}

	respCh := make(chan Response, 1)
	errCh := make(chan error, 1)
	go func() {
		var resp Response
		if err := json.NewDecoder(stdout).Decode(&resp); err != nil && err != io.EOF {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-ctx.Done():
		_ = enc.Encode(controlMessage{Cancel: true})
		select {
		case resp := <-respCh:
			_ = cmd.Wait()
			return responseError(resp)
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return ctx.Err()
		}
	case resp := <-respCh:
		waitErr := cmd.Wait()
		if respErr := responseError(resp); respErr != nil {
			return respErr
		}
		if waitErr != nil {
			return errors.Wrap(waitErr, "fork: child exited non-zero")
		}
		return nil
	case err := <-errCh:
		_ = cmd.Wait()
		return errors.Wrap(err, "fork: decode child response")
	}
}

func responseError(resp Response) error {
	if resp.OK {
		return nil
	}
	if resp.Error == "" {
		resp.Error = "fork: child reported failure with no message"
	}
	return errors.New(resp.Error)
}

// RunChild is the child-side counterpart, invoked by a forked worker binary.
// It reads one Request from stdin, looks up the handler in registry, runs
// it, and writes one Response to stdout. A "cancel" control message read
// concurrently from stdin cancels the handler's context.
func RunChild(ctx context.Context, registry *definition.Registry) error {
	reader := bufio.NewReader(os.Stdin)
	dec := json.NewDecoder(reader)

	var req Request
	if err := dec.Decode(&req); err != nil {
		return errors.Wrap(err, "fork: decode request")
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			var msg controlMessage
			if err := dec.Decode(&msg); err != nil {
				return
			}
			if msg.Cancel {
				cancel()
				return
			}
		}
	}()

	def, ok := registry.Get(req.Name)
	if !ok {
		return writeResponse(Response{OK: false, Error: "fork: no handler registered for " + req.Name})
	}

	j := job.New(req.Name, req.Data)
	j.ID = req.ID

	if err := def.Handler(childCtx, j); err != nil {
		return writeResponse(Response{OK: false, Error: err.Error()})
	}
	return writeResponse(Response{OK: true})
}

func writeResponse(resp Response) error {
	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		return errors.Wrap(err, "fork: write response")
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}
