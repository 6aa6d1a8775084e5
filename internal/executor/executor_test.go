package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flavorsched/internal/config"
	"flavorsched/internal/provision"
	"flavorsched/internal/sandbox"
	"flavorsched/internal/zone"
)

type stubCloudCLI struct{}

func (stubCloudCLI) DescribeInstances(context.Context, string) ([]string, error) { return nil, nil }

type stubProvisionCLI struct{}

func (stubProvisionCLI) DescribeInstanceType(context.Context, string) (provision.InstanceTypeInfo, error) {
	return provision.InstanceTypeInfo{}, nil
}
func (stubProvisionCLI) CredentialsPath() string { return "" }

func newDeps(t *testing.T, codes []int) Deps {
	t.Helper()
	z := zone.New(zone.Config{OverrideZone: "cn-x-a"}, stubCloudCLI{})
	runner := NewDryRunRunner(map[string][]int{"f1": codes})
	pool := sandbox.New("ac", 1, sandbox.DryRunRuntime{Test: runner})
	pool.SetUnlockWait(0)
	prov := provision.New(t.TempDir(), "", config.TestConfig{}, stubProvisionCLI{})
	return Deps{Zone: z, Sandbox: pool, Provision: prov, LockSecs: 1, LogDir: t.TempDir()}
}

func TestExecutePassesThrough(t *testing.T) {
	deps := newDeps(t, []int{0})
	r := Execute(context.Background(), "f1", deps)
	assert.Equal(t, ExitPassed, r.Code)
	assert.Equal(t, "test_passed", r.Symbolic)
	assert.Equal(t, "cn-x-a", r.Zone)
}

func TestExecuteOffsetsNonZeroTestCode(t *testing.T) {
	deps := newDeps(t, []int{5})
	r := Execute(context.Background(), "f1", deps)
	assert.Equal(t, 15, r.Code)
	assert.Equal(t, "test_failed_error_cases", r.Symbolic)
}

func TestRetryClassification(t *testing.T) {
	class, retryable := RetryClass(24)
	assert.True(t, retryable)
	assert.Equal(t, "resource", class)

	class, retryable = RetryClass(15)
	assert.True(t, retryable)
	assert.Equal(t, "testcase", class)

	_, retryable = RetryClass(13)
	assert.False(t, retryable, "raw exit 13 (+10 offset) is not in either retry class")

	class, retryable = RetryClass(23)
	assert.True(t, retryable)
	assert.Equal(t, "resource", class)
}

func TestZoneCodesPassThroughUnmodified(t *testing.T) {
	z := zone.New(zone.Config{EnabledRegions: []string{"*"}}, stubCloudCLI{})
	z.SetDistribution(map[string][]string{})
	runner := NewDryRunRunner(nil)
	pool := sandbox.New("ac", 1, sandbox.DryRunRuntime{Test: runner})
	prov := provision.New(t.TempDir(), "", config.TestConfig{}, stubProvisionCLI{})
	deps := Deps{Zone: z, Sandbox: pool, Provision: prov, LockSecs: 1, LogDir: t.TempDir()}

	r := Execute(context.Background(), "unknown-flavor", deps)
	require.Equal(t, ExitFlavorNoStock, r.Code)
}
