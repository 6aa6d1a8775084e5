package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"flavorsched/internal/config"
)

type stubCLI struct {
	info InstanceTypeInfo
	err  error
	cred string
}

func (s stubCLI) DescribeInstanceType(context.Context, string) (InstanceTypeInfo, error) {
	return s.info, s.err
}
func (s stubCLI) CredentialsPath() string { return s.cred }

func TestMapInstanceTypeNVMeOverride(t *testing.T) {
	data := mapInstanceType("ecs.i3.xlarge", InstanceTypeInfo{Family: "i3", MemoryGB: 16})
	assert.Equal(t, "nvme", data.LocalStorage)
	assert.Equal(t, 16.0, data.MemoryGB)
}

func TestMapInstanceTypeHalvedMemory(t *testing.T) {
	data := mapInstanceType("ecs.c7t.xlarge", InstanceTypeInfo{Family: "c7t", MemoryGB: 16})
	assert.Equal(t, 8.0, data.MemoryGB)
	assert.Empty(t, data.LocalStorage)
}

func TestProvisionWritesAllFragments(t *testing.T) {
	poolPath := t.TempDir()
	cfg := config.TestConfig{
		SSHKeypair: "keypair-1",
		ImageName:  "image-1",
		Testcases:  []string{"test_boot", "# comment", "", "test_network"},
	}
	p := New(poolPath, "", cfg, stubCLI{info: InstanceTypeInfo{Family: "g7", CPUCount: 4, MemoryGB: 8}})

	err := p.Provision(context.Background(), "ac0", "ecs.g7.xlarge", "cn-a-a")
	require.NoError(t, err)

	dataDir := filepath.Join(poolPath, "ac0", "data")
	for _, f := range []string{"include.yaml", commonFragment, flavorFragment, testcasesFragment} {
		_, statErr := os.Stat(filepath.Join(dataDir, f))
		assert.NoError(t, statErr, "expected %s to be written", f)
	}

	var common commonFragmentData
	raw, err := os.ReadFile(filepath.Join(dataDir, commonFragment))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &common))
	assert.Equal(t, "Null", common.AccessKeyID)
	assert.Equal(t, "cn-a-a", common.Zone)
	assert.Equal(t, "image-1", common.Image)

	tcRaw, err := os.ReadFile(filepath.Join(dataDir, testcasesFragment))
	require.NoError(t, err)
	assert.Equal(t, "test_boot\ntest_network\n", string(tcRaw))
}

func TestProvisionErrorsAreWrapped(t *testing.T) {
	p := New(t.TempDir(), "", config.TestConfig{}, stubCLI{err: assertErr{}})
	err := p.Provision(context.Background(), "ac0", "f1", "cn-a-a")
	require.Error(t, err)
	var pe *ErrProvision
	assert.ErrorAs(t, err, &pe)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
