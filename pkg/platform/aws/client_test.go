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

package aws

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awsrequest "github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"github.com/glassdome/glassdome/pkg/platform"
)

// fakeEC2 implements the subset of the EC2 API the client touches.
type fakeEC2 struct {
	ec2iface.EC2API
	instances   []*ec2.Instance
	runInput    *ec2.RunInstancesInput
	tagsInput   *ec2.CreateTagsInput
	started     []string
	stopped     []string
	terminated  []string
	describeErr error
}

func instance(id, name, state, ip string) *ec2.Instance {
	return &ec2.Instance{
		InstanceId:       aws.String(id),
		State:            &ec2.InstanceState{Name: aws.String(state)},
		PrivateIpAddress: aws.String(ip),
		InstanceType:     aws.String("t3.small"),
		ImageId:          aws.String("ami-123"),
		Placement:        &ec2.Placement{AvailabilityZone: aws.String("us-east-1a")},
		Tags:             []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
	}
}

func (f *fakeEC2) DescribeInstancesWithContext(_ aws.Context, input *ec2.DescribeInstancesInput, _ ...awsrequest.Option) (*ec2.DescribeInstancesOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	var matched []*ec2.Instance
	for _, inst := range f.instances {
		if len(input.InstanceIds) == 0 {
			matched = append(matched, inst)
			continue
		}
		for _, id := range input.InstanceIds {
			if aws.StringValue(inst.InstanceId) == aws.StringValue(id) {
				matched = append(matched, inst)
			}
		}
	}
	if len(input.InstanceIds) > 0 && len(matched) == 0 {
		return nil, awserr.New("InvalidInstanceID.NotFound", "does not exist", nil)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: matched}},
	}, nil
}

func (f *fakeEC2) DescribeInstancesPagesWithContext(_ aws.Context, _ *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool, _ ...awsrequest.Option) error {
	if f.describeErr != nil {
		return f.describeErr
	}
	fn(&ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: f.instances}},
	}, true)
	return nil
}

func (f *fakeEC2) RunInstancesWithContext(_ aws.Context, input *ec2.RunInstancesInput, _ ...awsrequest.Option) (*ec2.Reservation, error) {
	f.runInput = input
	inst := instance("i-new", "", "pending", "")
	inst.InstanceType = input.InstanceType
	return &ec2.Reservation{Instances: []*ec2.Instance{inst}}, nil
}

func (f *fakeEC2) StartInstancesWithContext(_ aws.Context, input *ec2.StartInstancesInput, _ ...awsrequest.Option) (*ec2.StartInstancesOutput, error) {
	f.started = append(f.started, aws.StringValue(input.InstanceIds[0]))
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) StopInstancesWithContext(_ aws.Context, input *ec2.StopInstancesInput, _ ...awsrequest.Option) (*ec2.StopInstancesOutput, error) {
	f.stopped = append(f.stopped, aws.StringValue(input.InstanceIds[0]))
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2) TerminateInstancesWithContext(_ aws.Context, input *ec2.TerminateInstancesInput, _ ...awsrequest.Option) (*ec2.TerminateInstancesOutput, error) {
	id := aws.StringValue(input.InstanceIds[0])
	for _, inst := range f.instances {
		if aws.StringValue(inst.InstanceId) == id {
			f.terminated = append(f.terminated, id)
			return &ec2.TerminateInstancesOutput{}, nil
		}
	}
	return nil, awserr.New("InvalidInstanceID.NotFound", "does not exist", nil)
}

func (f *fakeEC2) CreateTagsWithContext(_ aws.Context, input *ec2.CreateTagsInput, _ ...awsrequest.Option) (*ec2.CreateTagsOutput, error) {
	f.tagsInput = input
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) DescribeAvailabilityZonesWithContext(aws.Context, *ec2.DescribeAvailabilityZonesInput, ...awsrequest.Option) (*ec2.DescribeAvailabilityZonesOutput, error) {
	return &ec2.DescribeAvailabilityZonesOutput{
		AvailabilityZones: []*ec2.AvailabilityZone{{
			ZoneId:   aws.String("use1-az1"),
			ZoneName: aws.String("us-east-1a"),
			State:    aws.String("available"),
		}},
	}, nil
}

func (f *fakeEC2) DescribeSubnetsWithContext(aws.Context, *ec2.DescribeSubnetsInput, ...awsrequest.Option) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{
		Subnets: []*ec2.Subnet{{
			SubnetId: aws.String("subnet-1"),
			Tags:     []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String("lab-net")}},
		}},
	}, nil
}

func newFakeClient(f *fakeEC2) *Client {
	return &Client{EC2: f, region: "us-east-1", subnetID: "subnet-1", log: logr.Discard()}
}

func TestListAndGet(t *testing.T) {
	g := NewWithT(t)
	f := &fakeEC2{instances: []*ec2.Instance{
		instance("i-1", "lab-alpha-web", "running", "10.0.0.5"),
		instance("i-2", "lab-alpha-db", "stopped", "10.0.0.6"),
	}}
	c := newFakeClient(f)
	ctx := context.Background()

	vms, err := c.ListVMs(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(vms).To(HaveLen(2))
	g.Expect(vms[0].Name).To(Equal("lab-alpha-web"))
	g.Expect(vms[0].Host).To(Equal("us-east-1a"))

	info, err := c.GetVM(ctx, "i-2")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.State).To(Equal("stopped"))

	_, err = c.GetVM(ctx, "i-missing")
	g.Expect(platform.IsNotFound(err)).To(BeTrue())
}

func TestCreateVMShape(t *testing.T) {
	g := NewWithT(t)
	f := &fakeEC2{}
	c := newFakeClient(f)

	info, err := c.CreateVM(context.Background(), platform.VMSpec{
		Name:      "lab-alpha-web",
		Cores:     2,
		MemoryMiB: 4096,
		Template:  "ami-123",
		LabID:     "alpha",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.ID).To(Equal("i-new"))
	g.Expect(aws.StringValue(f.runInput.InstanceType)).To(Equal("t3.medium"))
	g.Expect(aws.StringValue(f.runInput.SubnetId)).To(Equal("subnet-1"))

	_, err = c.CreateVM(context.Background(), platform.VMSpec{Name: "x", Cores: 1, MemoryMiB: 512})
	g.Expect(platform.IsValidation(err)).To(BeTrue(), "AMI is required")
}

func TestPickInstanceType(t *testing.T) {
	g := NewWithT(t)
	g.Expect(pickInstanceType(1, 512)).To(Equal("t3.micro"))
	g.Expect(pickInstanceType(2, 2048)).To(Equal("t3.small"))
	g.Expect(pickInstanceType(4, 8192)).To(Equal("t3.xlarge"))
	g.Expect(pickInstanceType(32, 131072)).To(Equal("m5.4xlarge"), "oversize falls back to the largest")
}

func TestLifecycleOps(t *testing.T) {
	g := NewWithT(t)
	f := &fakeEC2{instances: []*ec2.Instance{instance("i-1", "lab-alpha-web", "stopped", "")}}
	c := newFakeClient(f)
	ctx := context.Background()

	g.Expect(c.StartVM(ctx, "i-1")).To(Succeed())
	g.Expect(c.StopVM(ctx, "i-1")).To(Succeed())
	g.Expect(f.started).To(Equal([]string{"i-1"}))
	g.Expect(f.stopped).To(Equal([]string{"i-1"}))

	g.Expect(c.RenameVM(ctx, "i-1", "lab-alpha-renamed")).To(Succeed())
	g.Expect(aws.StringValue(f.tagsInput.Tags[0].Value)).To(Equal("lab-alpha-renamed"))

	g.Expect(c.DeleteVM(ctx, "i-1")).To(Succeed())
	g.Expect(c.DeleteVM(ctx, "i-gone")).To(Succeed(), "terminate of a missing instance is a success")
}

func TestErrorTaxonomy(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()

	f := &fakeEC2{describeErr: awserr.New("AuthFailure", "bad credentials", nil)}
	c := newFakeClient(f)
	_, err := c.ListVMs(ctx)
	g.Expect(platform.IsAuth(err)).To(BeTrue())

	f.describeErr = awserr.New("RequestLimitExceeded", "slow down", nil)
	_, err = c.ListVMs(ctx)
	g.Expect(platform.IsTransient(err)).To(BeTrue())
}

func TestHostsAndNetworks(t *testing.T) {
	g := NewWithT(t)
	c := newFakeClient(&fakeEC2{})
	ctx := context.Background()

	hosts, err := c.ListHosts(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(hosts).To(HaveLen(1))
	g.Expect(hosts[0].Name).To(Equal("us-east-1a"))

	nets, err := c.ListNetworks(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(nets).To(HaveLen(1))
	g.Expect(nets[0].Name).To(Equal("lab-net"))
}
