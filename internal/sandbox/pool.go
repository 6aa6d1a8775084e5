// Package sandbox implements the Sandbox Pool: a fixed-size named pool
// of local execution environments, locked by name using the sandbox
// runtime's own live-name uniqueness as a distributed mutex.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"time"

	"flavorsched/internal/logging"
)

// Result codes, matching spec §4.4 local codes (offset at the executor
// boundary, not here).
const (
	OK           = 0
	CodeNoIdle   = 2
	CodeLockFail = 3
)

// Runtime is the subset of the sandbox runtime's CLI the pool depends
// on. A container engine reachable via subprocess (docker, podman, ...)
// implements this through a thin adapter (see ExecRuntime).
type Runtime interface {
	// Inspect reports whether a sandbox named name currently exists.
	Inspect(ctx context.Context, name string) (exists bool, err error)
	// Lock starts a detached, self-removing sandbox named name that
	// sleeps for lockSeconds, reserving the name.
	Lock(ctx context.Context, name string, lockSeconds int) error
	// Unlock kills the sleeper sandbox named name.
	Unlock(ctx context.Context, name string) error
	// RunTest invokes the real test runner against an unlocked sandbox.
	RunTest(ctx context.Context, name, flavor, logPath string) (exitCode int, err error)
}

// Pool is the fixed enumeration of sandbox names the scheduler may use.
type Pool struct {
	names      []string
	runtime    Runtime
	rng        *rand.Rand
	log        *logging.Logger
	unlockWait time.Duration
}

// New builds the pool's fixed name set: <prefix><zero-padded index> for
// index in [0, size).
func New(prefix string, size int, runtime Runtime) *Pool {
	width := len(fmt.Sprintf("%d", size-1))
	names := make([]string, size)
	for i := 0; i < size; i++ {
		names[i] = fmt.Sprintf("%s%0*d", prefix, width, i)
	}
	return &Pool{
		names:      names,
		runtime:    runtime,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		log:        logging.Get(logging.CategorySandbox),
		unlockWait: 2 * time.Second,
	}
}

// SetUnlockWait overrides the post-unlock settle delay (2s by default,
// per spec §4.4); tests use this to avoid paying that delay per attempt.
func (p *Pool) SetUnlockWait(d time.Duration) {
	p.unlockWait = d
}

// Names returns the pool's fixed name set.
func (p *Pool) Names() []string {
	return append([]string{}, p.names...)
}

// Pick selects and locks one available sandbox, returning (name, OK, nil)
// on success or ("", code, nil) for one of the documented shortages.
func (p *Pool) Pick(ctx context.Context, lockSeconds int) (string, int, error) {
	var available []string
	for _, name := range p.names {
		exists, err := p.runtime.Inspect(ctx, name)
		if err != nil {
			return "", 0, fmt.Errorf("inspect %s: %w", name, err)
		}
		if !exists {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return "", CodeNoIdle, nil
	}

	name := available[p.rng.Intn(len(available))]
	if err := p.runtime.Lock(ctx, name, lockSeconds); err != nil {
		p.log.Warn("lock failed for %s: %v", name, err)
		return "", CodeLockFail, nil
	}
	return name, OK, nil
}

// Run unlocks name (killing its sleeper and waiting for resource
// release) and invokes the real test runner, returning its exit code
// verbatim.
func (p *Pool) Run(ctx context.Context, name, flavor, logPath string) (int, error) {
	if err := p.runtime.Unlock(ctx, name); err != nil {
		p.log.Warn("unlock failed for %s: %v", name, err)
	}
	time.Sleep(p.unlockWait)
	return p.runtime.RunTest(ctx, name, flavor, logPath)
}

// ExecRuntime is a Runtime backed by a container-engine subprocess CLI
// (docker, podman, ...); the binary is whatever the caller puts in the
// Binary field.
type ExecRuntime struct {
	Binary     string
	Image      string
	TestRunner string
	SharedPath string
}

func (e ExecRuntime) Inspect(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, e.Binary, "inspect", "--type", "container", name)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, err
}

func (e ExecRuntime) Lock(ctx context.Context, name string, lockSeconds int) error {
	cmd := exec.CommandContext(ctx, e.Binary, "run", "--name", name, "--rm", "-itd", e.Image,
		"sleep", fmt.Sprintf("%d", lockSeconds))
	return cmd.Run()
}

func (e ExecRuntime) Unlock(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, e.Binary, "kill", name)
	return cmd.Run()
}

func (e ExecRuntime) RunTest(ctx context.Context, name, flavor, logPath string) (int, error) {
	cmd := exec.CommandContext(ctx, e.TestRunner, name, e.SharedPath, e.Image, logPath, flavor)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
