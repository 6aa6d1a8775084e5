// Package provision implements the Config Provisioner: it materializes
// a sandbox's input directory from templates, credentials, and the
// resolved flavor/zone before a test attempt runs.
package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"flavorsched/internal/config"
	"flavorsched/internal/logging"
)

// ErrProvision wraps any step failure; the executor maps it to code 41.
type ErrProvision struct{ Err error }

func (e *ErrProvision) Error() string { return fmt.Sprintf("provision: %v", e.Err) }
func (e *ErrProvision) Unwrap() error { return e.Err }

// InstanceTypeInfo is what the cloud CLI reports for one flavor.
type InstanceTypeInfo struct {
	Family     string
	CPUCount   int
	MemoryGB   float64
	NICCount   int
	DiskCount  int
	DriverType string
}

// CloudCLI is the subset of the cloud command-line tool's contract the
// provisioner depends on, plus the path to its own credentials file.
type CloudCLI interface {
	DescribeInstanceType(ctx context.Context, flavor string) (InstanceTypeInfo, error)
	CredentialsPath() string
}

// Provisioner materializes one sandbox's input directory.
type Provisioner struct {
	poolPath      string
	templatesDir  string
	identityFile  string
	sshKeypair    string
	imageName     string
	ddhID         string
	testcases     []string
	cloudCLI      CloudCLI
	log           *logging.Logger
}

// New builds a Provisioner from the executor's test configuration.
func New(poolPath, templatesDir string, cfg config.TestConfig, cloudCLI CloudCLI) *Provisioner {
	return &Provisioner{
		poolPath:     poolPath,
		templatesDir: templatesDir,
		identityFile: cfg.IdentityFile,
		sshKeypair:   cfg.SSHKeypair,
		imageName:    cfg.ImageName,
		ddhID:        cfg.DDHID,
		testcases:    cfg.Testcases,
		cloudCLI:     cloudCLI,
		log:          logging.Get(logging.CategoryProvision),
	}
}

const (
	commonFragment    = "common.yaml"
	flavorFragment    = "flavor.yaml"
	testcasesFragment = "testcases.yaml"
)

// Provision runs all six steps of §4.5 for one sandbox attempt. Any
// step's failure is wrapped in ErrProvision.
func (p *Provisioner) Provision(ctx context.Context, sandbox, flavor, azone string) error {
	dataDir := filepath.Join(p.poolPath, sandbox, "data")
	resultsDir := filepath.Join(p.poolPath, sandbox, "job-results")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return &ErrProvision{err}
	}
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return &ErrProvision{err}
	}

	if err := p.copyTemplates(dataDir); err != nil {
		return &ErrProvision{err}
	}
	if err := p.copyIdentity(dataDir); err != nil {
		return &ErrProvision{err}
	}
	if err := p.writeIncludeList(dataDir); err != nil {
		return &ErrProvision{err}
	}
	if err := p.writeCommonFragment(dataDir, flavor, azone); err != nil {
		return &ErrProvision{err}
	}
	if err := p.writeFlavorFragment(ctx, dataDir, flavor); err != nil {
		return &ErrProvision{err}
	}
	if err := p.writeTestcasesFragment(dataDir); err != nil {
		return &ErrProvision{err}
	}
	return nil
}

// copyTemplates copies every template file into dataDir, skipping any
// stray key-looking file (.pem/.pub) since the real identity file is
// copied separately in copyIdentity.
func (p *Provisioner) copyTemplates(dataDir string) error {
	if p.templatesDir == "" {
		return nil
	}
	entries, err := os.ReadDir(p.templatesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read templates dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".pem") || strings.HasSuffix(name, ".pub") {
			continue
		}
		if err := copyFile(filepath.Join(p.templatesDir, name), filepath.Join(dataDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) copyIdentity(dataDir string) error {
	if p.identityFile == "" {
		return nil
	}
	dest := filepath.Join(dataDir, filepath.Base(p.identityFile))
	return copyFile(p.identityFile, dest)
}

func (p *Provisioner) writeIncludeList(dataDir string) error {
	content := strings.Join([]string{commonFragment, flavorFragment, testcasesFragment}, "\n") + "\n"
	return os.WriteFile(filepath.Join(dataDir, "include.yaml"), []byte(content), 0644)
}

// commonFragmentData is the YAML shape the external collaborators
// (here, in-process) write for the shared connection/credentials section.
type commonFragmentData struct {
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
	SSHKeypair      string `yaml:"ssh_keypair"`
	Zone            string `yaml:"zone"`
	Image           string `yaml:"image"`
	Label           string `yaml:"label"`
	DDHID           string `yaml:"ddh_id,omitempty"`
}

// writeCommonFragment rewrites the common fragment with credentials read
// from the cloud CLI's own configuration file; a missing or unreadable
// credentials file yields literal "Null" values rather than failing the
// step, matching the original tool's fallback behavior.
func (p *Provisioner) writeCommonFragment(dataDir, flavor, azone string) error {
	keyID, keySecret := "Null", "Null"
	if p.cloudCLI != nil {
		if id, secret, err := readCloudCredentials(p.cloudCLI.CredentialsPath()); err == nil {
			keyID, keySecret = id, secret
		} else {
			p.log.Warn("cloud credentials unreadable, using Null: %v", err)
		}
	}

	data := commonFragmentData{
		AccessKeyID:     keyID,
		AccessKeySecret: keySecret,
		SSHKeypair:      p.sshKeypair,
		Zone:            azone,
		Image:           p.imageName,
		Label:           flavor,
		DDHID:           p.ddhID,
	}
	return writeYAML(filepath.Join(dataDir, commonFragment), data)
}

// flavorFragmentData mirrors the original provisioner's per-family field
// mapping (utils/provision_flavor_data.py).
type flavorFragmentData struct {
	CPUCount     int     `yaml:"cpu_count"`
	MemoryGB     float64 `yaml:"memory_gb"`
	NICCount     int     `yaml:"nic_count"`
	DiskCount    int     `yaml:"disk_count"`
	LocalStorage string  `yaml:"local_storage,omitempty"`
	DriverType   string  `yaml:"driver_type"`
}

func (p *Provisioner) writeFlavorFragment(ctx context.Context, dataDir, flavor string) error {
	var info InstanceTypeInfo
	if p.cloudCLI != nil {
		described, err := p.cloudCLI.DescribeInstanceType(ctx, flavor)
		if err != nil {
			return fmt.Errorf("describe instance type: %w", err)
		}
		info = described
	}
	data := mapInstanceType(flavor, info)
	return writeYAML(filepath.Join(dataDir, flavorFragment), data)
}

// mapInstanceType applies the family-specific overrides: the i3/g7se
// families get local NVMe storage, and the encrypted-memory c7t/g7t/r7t
// families report half their nominal memory.
func mapInstanceType(flavor string, info InstanceTypeInfo) flavorFragmentData {
	data := flavorFragmentData{
		CPUCount:   info.CPUCount,
		MemoryGB:   info.MemoryGB,
		NICCount:   info.NICCount,
		DiskCount:  info.DiskCount,
		DriverType: info.DriverType,
	}

	family := info.Family
	switch {
	case strings.Contains(family, "i3"), strings.Contains(family, "g7se"):
		data.LocalStorage = "nvme"
	}
	switch {
	case strings.Contains(family, "c7t"), strings.Contains(family, "g7t"), strings.Contains(family, "r7t"):
		data.MemoryGB = info.MemoryGB / 2
	}
	return data
}

func (p *Provisioner) writeTestcasesFragment(dataDir string) error {
	var lines []string
	for _, tc := range p.testcases {
		trimmed := strings.TrimSpace(tc)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, trimmed)
	}
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	return os.WriteFile(filepath.Join(dataDir, testcasesFragment), []byte(content), 0644)
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// readCloudCredentials reads the access key id/secret out of the cloud
// CLI's own ini-style configuration file (a minimal `key = value` parse,
// not a full ini library, since the file's shape is two flat keys).
func readCloudCredentials(path string) (id, secret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		switch key {
		case "access_key_id":
			id = val
		case "access_key_secret":
			secret = val
		}
	}
	if id == "" || secret == "" {
		return "", "", fmt.Errorf("credentials file %s missing access_key_id/access_key_secret", path)
	}
	return id, secret, nil
}
