package sandbox

import "context"

// DryRunTest is the subset of executor.DryRunRunner's contract a dry-run
// Runtime needs to produce raw test codes without a real sandbox runtime.
type DryRunTest interface {
	Run(ctx context.Context, sandboxName, flavor, logPath string) (int, error)
}

// DryRunRuntime is a Runtime that treats every pool name as always
// available and delegates the final test invocation to a scripted
// DryRunTest, for dry-run mode and scenario tests.
type DryRunRuntime struct {
	Test DryRunTest
}

func (DryRunRuntime) Inspect(context.Context, string) (bool, error) { return false, nil }
func (DryRunRuntime) Lock(context.Context, string, int) error       { return nil }
func (DryRunRuntime) Unlock(context.Context, string) error          { return nil }

func (r DryRunRuntime) RunTest(ctx context.Context, name, flavor, logPath string) (int, error) {
	return r.Test.Run(ctx, name, flavor, logPath)
}
