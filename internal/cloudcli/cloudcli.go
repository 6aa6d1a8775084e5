// Package cloudcli adapts the external cloud provider CLI (a subprocess
// contract the scheduler never reimplements, per its out-of-scope
// boundary) into the zone.CloudCLI and provision.CloudCLI interfaces.
package cloudcli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"flavorsched/internal/provision"
)

// Client shells out to a cloud CLI binary (aliyun-style: "<binary> <verb>
// <action> --profile P --output json <action args>") and decodes its JSON
// responses.
type Client struct {
	Binary          string
	Profile         string
	CredentialsFile string
}

// New constructs a Client for the named CLI binary and credentials
// profile.
func New(binary, profile, credentialsFile string) *Client {
	return &Client{Binary: binary, Profile: profile, CredentialsFile: credentialsFile}
}

// CredentialsPath implements provision.CloudCLI.
func (c *Client) CredentialsPath() string {
	return c.CredentialsFile
}

type instanceListResponse struct {
	Instances struct {
		Instance []struct {
			InstanceName string `json:"InstanceName"`
		} `json:"Instance"`
	} `json:"Instances"`
}

// DescribeInstances implements zone.CloudCLI: it lists the names of
// running instances in region. Only the first page of the response (at
// most 100 instances) is read; further pages are not requested.
func (c *Client) DescribeInstances(ctx context.Context, region string) ([]string, error) {
	out, err := c.run(ctx, "ecs", "DescribeInstances",
		"--RegionId", region, "--Status", "Running", "--PageSize", "100")
	if err != nil {
		return nil, err
	}

	var resp instanceListResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode DescribeInstances response: %w", err)
	}

	names := make([]string, 0, len(resp.Instances.Instance))
	for _, inst := range resp.Instances.Instance {
		names = append(names, inst.InstanceName)
	}
	return names, nil
}

type instanceTypeResponse struct {
	InstanceTypeFamily string  `json:"InstanceTypeFamily"`
	CPUCoreCount       int     `json:"CpuCoreCount"`
	MemorySize         float64 `json:"MemorySize"`
	EniQuantity        int     `json:"EniQuantity"`
	LocalStorageAmount int     `json:"LocalStorageAmount"`
	LocalStorageCat    string  `json:"LocalStorageCategory"`
}

// DescribeInstanceType implements provision.CloudCLI.
func (c *Client) DescribeInstanceType(ctx context.Context, flavor string) (provision.InstanceTypeInfo, error) {
	out, err := c.run(ctx, "ecs", "DescribeInstanceTypes", "--InstanceTypes.1", flavor)
	if err != nil {
		return provision.InstanceTypeInfo{}, err
	}

	var types struct {
		InstanceTypes struct {
			InstanceType []instanceTypeResponse `json:"InstanceType"`
		} `json:"InstanceTypes"`
	}
	if err := json.Unmarshal(out, &types); err != nil {
		return provision.InstanceTypeInfo{}, fmt.Errorf("decode DescribeInstanceTypes response: %w", err)
	}
	if len(types.InstanceTypes.InstanceType) == 0 {
		return provision.InstanceTypeInfo{}, fmt.Errorf("no instance type info for %s", flavor)
	}

	t := types.InstanceTypes.InstanceType[0]
	family := t.InstanceTypeFamily
	if family == "" {
		if idx := strings.LastIndex(flavor, "."); idx > 0 {
			family = flavor[:idx]
		}
	}
	return provision.InstanceTypeInfo{
		Family:     family,
		CPUCount:   t.CPUCoreCount,
		MemoryGB:   t.MemorySize,
		NICCount:   t.EniQuantity,
		DiskCount:  t.LocalStorageAmount,
		DriverType: t.LocalStorageCat,
	}, nil
}

func (c *Client) run(ctx context.Context, verb, action string, args ...string) ([]byte, error) {
	full := append([]string{verb, action, "--profile", c.Profile, "--output", "json"}, args...)
	out, err := exec.CommandContext(ctx, c.Binary, full...).Output()
	if err != nil {
		return nil, fmt.Errorf("run %s %s: %w", verb, action, err)
	}
	return out, nil
}
