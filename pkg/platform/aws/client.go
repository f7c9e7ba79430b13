/*
Copyright 2025 The Glassdome Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package aws adapts EC2 to the uniform platform client contract. Instances
// stand in for VMs and availability zones for placement hosts.
package aws

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/platform"
)

var sessionCache sync.Map

// Config names one AWS account/region pairing. Empty credentials fall back
// to the SDK's default chain (env, shared config, instance profile).
type Config struct {
	Region          string `json:"region" yaml:"region"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SubnetID        string `json:"subnet_id,omitempty" yaml:"subnet_id,omitempty"`
}

// Client implements platform.Client against EC2 in one region. VM ids are
// instance ids ("i-0abc...").
type Client struct {
	EC2      ec2iface.EC2API
	region   string
	subnetID string
	log      logr.Logger
}

// NewFactory returns a lazy constructor for the region.
func NewFactory(cfg Config, log logr.Logger) platform.Factory {
	return func(_ context.Context) (platform.Client, error) {
		if cfg.Region == "" {
			return nil, &platform.ValidationError{Reason: "aws region is required"}
		}
		sess, err := sessionFor(cfg)
		if err != nil {
			return nil, &platform.AuthError{Platform: "aws", Err: err}
		}
		return &Client{
			EC2:      ec2.New(sess),
			region:   cfg.Region,
			subnetID: cfg.SubnetID,
			log:      log.WithName("aws"),
		}, nil
	}
}

func sessionFor(cfg Config) (*session.Session, error) {
	key := cfg.Region + "/" + cfg.AccessKeyID
	if s, ok := sessionCache.Load(key); ok {
		return s.(*session.Session), nil
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	ns, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}

	sessionCache.Store(key, ns)
	return ns, nil
}

// instanceTypes is ordered smallest-first; CreateVM picks the first that
// satisfies the requested cores and memory.
var instanceTypes = []struct {
	name      string
	cores     int
	memoryMiB int64
}{
	{"t3.micro", 2, 1024},
	{"t3.small", 2, 2048},
	{"t3.medium", 2, 4096},
	{"t3.large", 2, 8192},
	{"t3.xlarge", 4, 16384},
	{"t3.2xlarge", 8, 32768},
	{"m5.4xlarge", 16, 65536},
}

func pickInstanceType(cores int, memoryMiB int64) string {
	for _, t := range instanceTypes {
		if t.cores >= cores && t.memoryMiB >= memoryMiB {
			return t.name
		}
	}
	return instanceTypes[len(instanceTypes)-1].name
}

// TestConnection verifies credentials with a cheap read-only call.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.EC2.DescribeRegionsWithContext(ctx, &ec2.DescribeRegionsInput{})
	return c.mapError("test connection", "", err)
}

// ListVMs returns every non-terminated instance in the region.
func (c *Client) ListVMs(ctx context.Context) ([]platform.VMInfo, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: aws.StringSlice([]string{"pending", "running", "shutting-down", "stopping", "stopped"}),
		}},
	}
	var out []platform.VMInfo
	err := c.EC2.DescribeInstancesPagesWithContext(ctx, input, func(page *ec2.DescribeInstancesOutput, _ bool) bool {
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				out = append(out, toVMInfo(inst))
			}
		}
		return true
	})
	if err != nil {
		return nil, c.mapError("list vms", "", err)
	}
	return out, nil
}

// GetVM describes one instance by id.
func (c *Client) GetVM(ctx context.Context, id string) (platform.VMInfo, error) {
	inst, err := c.describeInstance(ctx, id)
	if err != nil {
		return platform.VMInfo{}, err
	}
	return toVMInfo(inst), nil
}

// CreateVM launches one instance from the AMI named by spec.Template. The
// instance type is the smallest one satisfying the requested shape.
func (c *Client) CreateVM(ctx context.Context, spec platform.VMSpec) (platform.VMInfo, error) {
	if spec.Name == "" {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "vm name is required"}
	}
	if spec.Cores <= 0 || spec.MemoryMiB <= 0 {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "cores and memory must be positive"}
	}
	if spec.Template == "" {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "aws requires an AMI id as template"}
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.Template),
		InstanceType: aws.String(pickInstanceType(spec.Cores, spec.MemoryMiB)),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: []*ec2.Tag{
				{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				{Key: aws.String("glassdome:lab"), Value: aws.String(spec.LabID)},
			},
		}},
	}
	if c.subnetID != "" {
		input.SubnetId = aws.String(c.subnetID)
	}
	if spec.Network != "" {
		input.SubnetId = aws.String(spec.Network)
	}

	out, err := c.EC2.RunInstancesWithContext(ctx, input)
	if err != nil {
		return platform.VMInfo{}, c.mapError("create vm", "", err)
	}
	if len(out.Instances) == 0 {
		return platform.VMInfo{}, errors.New("ec2 returned no instances for run request")
	}
	return toVMInfo(out.Instances[0]), nil
}

// StartVM starts a stopped instance.
func (c *Client) StartVM(ctx context.Context, id string) error {
	_, err := c.EC2.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		InstanceIds: aws.StringSlice([]string{id}),
	})
	return c.mapError("start vm", id, err)
}

// StopVM stops a running instance.
func (c *Client) StopVM(ctx context.Context, id string) error {
	_, err := c.EC2.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: aws.StringSlice([]string{id}),
	})
	return c.mapError("stop vm", id, err)
}

// DeleteVM terminates the instance. A missing instance is a success.
func (c *Client) DeleteVM(ctx context.Context, id string) error {
	_, err := c.EC2.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice([]string{id}),
	})
	err = c.mapError("delete vm", id, err)
	if platform.IsNotFound(err) {
		return nil
	}
	return err
}

// RenameVM rewrites the Name tag.
func (c *Client) RenameVM(ctx context.Context, id, name string) error {
	if name == "" {
		return &platform.ValidationError{Reason: "vm name is required"}
	}
	_, err := c.EC2.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: aws.StringSlice([]string{id}),
		Tags:      []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
	})
	return c.mapError("rename vm", id, err)
}

// GetVMIP returns the instance's private address.
func (c *Client) GetVMIP(ctx context.Context, id string) (string, error) {
	inst, err := c.describeInstance(ctx, id)
	if err != nil {
		return "", err
	}
	ip := aws.StringValue(inst.PrivateIpAddress)
	if ip == "" {
		return "", &platform.TransientError{Op: "get vm ip", Err: errors.Errorf("instance %s has no private address yet", id)}
	}
	return ip, nil
}

// ListHosts models availability zones as placement hosts. EC2 exposes no
// capacity numbers, so the resource gate skips capacity checks for AWS.
func (c *Client) ListHosts(ctx context.Context) ([]platform.HostInfo, error) {
	out, err := c.EC2.DescribeAvailabilityZonesWithContext(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return nil, c.mapError("list hosts", "", err)
	}
	hosts := make([]platform.HostInfo, 0, len(out.AvailabilityZones))
	for _, az := range out.AvailabilityZones {
		hosts = append(hosts, platform.HostInfo{
			ID:    aws.StringValue(az.ZoneId),
			Name:  aws.StringValue(az.ZoneName),
			State: aws.StringValue(az.State),
		})
	}
	return hosts, nil
}

// ListNetworks returns the region's subnets.
func (c *Client) ListNetworks(ctx context.Context) ([]platform.NetworkInfo, error) {
	out, err := c.EC2.DescribeSubnetsWithContext(ctx, &ec2.DescribeSubnetsInput{})
	if err != nil {
		return nil, c.mapError("list networks", "", err)
	}
	nets := make([]platform.NetworkInfo, 0, len(out.Subnets))
	for _, sn := range out.Subnets {
		info := platform.NetworkInfo{ID: aws.StringValue(sn.SubnetId)}
		for _, tag := range sn.Tags {
			if aws.StringValue(tag.Key) == "Name" {
				info.Name = aws.StringValue(tag.Value)
			}
		}
		if info.Name == "" {
			info.Name = info.ID
		}
		nets = append(nets, info)
	}
	return nets, nil
}

func (c *Client) describeInstance(ctx context.Context, id string) (*ec2.Instance, error) {
	out, err := c.EC2.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: aws.StringSlice([]string{id}),
	})
	if err != nil {
		return nil, c.mapError("get vm", id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.StringValue(inst.InstanceId) == id {
				return inst, nil
			}
		}
	}
	return nil, &platform.NotFoundError{Kind: "vm", ID: id}
}

func toVMInfo(inst *ec2.Instance) platform.VMInfo {
	info := platform.VMInfo{
		ID:    aws.StringValue(inst.InstanceId),
		State: aws.StringValue(inst.State.Name),
		IP:    aws.StringValue(inst.PrivateIpAddress),
		Config: map[string]string{
			"instance_type": aws.StringValue(inst.InstanceType),
			"image_id":      aws.StringValue(inst.ImageId),
		},
	}
	if inst.Placement != nil {
		info.Host = aws.StringValue(inst.Placement.AvailabilityZone)
	}
	for _, tag := range inst.Tags {
		if aws.StringValue(tag.Key) == "Name" {
			info.Name = aws.StringValue(tag.Value)
		}
	}
	if info.Name == "" {
		info.Name = info.ID
	}
	return info
}

// mapError classifies awserr codes into the platform taxonomy.
func (c *Client) mapError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var ae awserr.Error
	if errors.As(err, &ae) {
		switch {
		case ae.Code() == "AuthFailure" || ae.Code() == "UnauthorizedOperation" ||
			ae.Code() == "InvalidClientTokenId" || ae.Code() == "SignatureDoesNotMatch":
			return &platform.AuthError{Platform: "aws", Err: err}
		case strings.Contains(ae.Code(), ".NotFound"):
			return &platform.NotFoundError{Kind: "vm", ID: id}
		case ae.Code() == "RequestLimitExceeded" || ae.Code() == "Throttling" ||
			ae.Code() == "Unavailable" || ae.Code() == "InternalError":
			return &platform.TransientError{Op: op, Err: err}
		}
	}
	return &platform.TransientError{Op: op, Err: err}
}
