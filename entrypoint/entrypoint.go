// Package entrypoint runs the container start sequence: ordered setup
// steps that abort on the first failure, then the server replacing the
// current process.
package entrypoint

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"

	log "github.com/freundallein/acm/backend/chassis/logging"
)

// Step - one named setup action
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Command - the process that takes over once every step succeeded
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Execer replaces the current process with cmd.
type Execer interface {
	Exec(cmd Command) error
}

// SysExec uses execve; it only returns on failure.
type SysExec struct{}

// Exec ...
func (SysExec) Exec(cmd Command) error {
	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return err
	}
	return syscall.Exec(path, cmd.Args, cmd.Env)
}

// Boot runs steps in order and execs final. The first failing step stops
// the sequence and final is never started.
func Boot(ctx context.Context, steps []Step, final Command, execer Execer) error {
	for _, step := range steps {
		start := time.Now()
		log.WithFields(log.Fields{
			"event": "step_started",
			"step":  step.Name,
		}).Info("running ", step.Name)
		if err := step.Run(ctx); err != nil {
			log.WithFields(log.Fields{
				"event": "step_failed",
				"step":  step.Name,
			}).Error(err)
			return errors.Wrapf(err, "step %s", step.Name)
		}
		log.WithFields(log.Fields{
			"event":   "step_done",
			"step":    step.Name,
			"elapsed": time.Since(start).String(),
		}).Info("finished ", step.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event":   "exec",
		"command": final.Path,
	}).Info("starting ", final.Args)
	return errors.Wrapf(execer.Exec(final), "exec %s", final.Path)
}

// Self returns a Command re-running this binary with args.
func Self(args ...string) (Command, error) {
	path, err := os.Executable()
	if err != nil {
		return Command{}, err
	}
	return Command{Path: path, Args: append([]string{path}, args...), Env: os.Environ()}, nil
}

// CheckUser refuses uid 0 unless allowRoot is set.
func CheckUser(uid int, allowRoot bool) error {
	if uid == 0 && !allowRoot {
		return errors.New("refusing to run as root, set server.allowRoot to override")
	}
	return nil
}

// Probe requests url once and fails on anything but a 2xx answer.
func Probe(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
