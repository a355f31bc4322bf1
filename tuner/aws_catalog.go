package tuner

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Instance types the managed-queue backend schedules on. Selection only
// considers types from this list that the region actually offers.
var awsSupportedInstanceTypes = []string{
	"m6g.xlarge", "r5d.24xlarge", "m3.xlarge", "r4.16xlarge", "r5a.2xlarge",
	"c6g.4xlarge", "m6gd.xlarge", "m5.xlarge", "c5a.2xlarge", "r6g.4xlarge",
	"r6g.16xlarge", "i3.4xlarge", "z1d.3xlarge", "m5n.24xlarge", "a1.medium",
	"d3en.2xlarge", "c6gd.12xlarge", "r5b.16xlarge", "m5.large", "c5d.large",
	"m6g.2xlarge", "m5dn.2xlarge", "c5.large", "g4dn.2xlarge", "c5.metal",
	"i3en.6xlarge", "inf1.2xlarge", "d3.4xlarge", "r6gd.4xlarge", "m5.2xlarge",
	"r6g.xlarge", "m5dn.8xlarge", "r5n.16xlarge", "m6g.8xlarge",
	"m6gd.12xlarge", "c5a.8xlarge", "i2.xlarge", "m5d.12xlarge", "m5.metal",
	"c5d.metal", "m4.4xlarge", "m5.12xlarge", "m6g.12xlarge", "r5n.4xlarge",
	"m6gd.4xlarge", "d3en.8xlarge", "c4.large", "c5d.2xlarge", "r5d.2xlarge",
	"r5.xlarge", "r5b.24xlarge", "c4.4xlarge", "c4.xlarge", "c6g.large",
	"c6gd.medium", "r6gd.12xlarge", "r4.8xlarge", "m5d.xlarge", "c6gd.2xlarge",
	"m5.8xlarge", "c5.2xlarge", "g3.8xlarge", "c5n.9xlarge",
}

// DefaultMachineTypeAWS is used when tuning is skipped entirely.
const DefaultMachineTypeAWS = "m5.8xlarge"

type ec2API interface {
	DescribeInstanceTypes(ctx context.Context, in *ec2.DescribeInstanceTypesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	DescribeInstanceTypeOfferings(ctx context.Context, in *ec2.DescribeInstanceTypeOfferingsInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error)
}

// AWSCatalog resolves instance types through the EC2 API.
type AWSCatalog struct {
	api ec2API
}

// NewAWSCatalog builds a catalog using the default credential chain.
func NewAWSCatalog(ctx context.Context, region string) (*AWSCatalog, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSCatalog{api: ec2.NewFromConfig(awsCfg)}, nil
}

// NewAWSCatalogFromAPI wires an existing API handle, used by tests.
func NewAWSCatalogFromAPI(api ec2API) *AWSCatalog {
	return &AWSCatalog{api: api}
}

func (c *AWSCatalog) Properties(ctx context.Context, machineType string) (Machine, error) {
	machines, err := c.describe(ctx, []string{machineType})
	if err != nil {
		return Machine{}, err
	}
	if len(machines) == 0 {
		return Machine{}, fmt.Errorf("instance type %q not found", machineType)
	}
	return machines[0], nil
}

func (c *AWSCatalog) Supported(ctx context.Context, region string) ([]Machine, error) {
	offered, err := c.offerings(ctx, region)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for _, name := range awsSupportedInstanceTypes {
		if offered[name] {
			candidates = append(candidates, name)
		}
	}
	return c.describe(ctx, candidates)
}

func (c *AWSCatalog) offerings(ctx context.Context, region string) (map[string]bool, error) {
	offered := make(map[string]bool)
	var token *string
	for {
		out, err := c.api.DescribeInstanceTypeOfferings(ctx, &ec2.DescribeInstanceTypeOfferingsInput{
			LocationType: ec2types.LocationTypeRegion,
			Filters: []ec2types.Filter{{
				Name:   ptr("location"),
				Values: []string{region},
			}},
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("describe instance type offerings in %s: %w", region, err)
		}
		for _, offering := range out.InstanceTypeOfferings {
			offered[string(offering.InstanceType)] = true
		}
		if out.NextToken == nil {
			return offered, nil
		}
		token = out.NextToken
	}
}

func (c *AWSCatalog) describe(ctx context.Context, names []string) ([]Machine, error) {
	var machines []Machine
	// DescribeInstanceTypes accepts at most 100 types per call.
	for start := 0; start < len(names); start += 100 {
		end := min(start+100, len(names))
		types := make([]ec2types.InstanceType, 0, end-start)
		for _, name := range names[start:end] {
			types = append(types, ec2types.InstanceType(name))
		}
		var token *string
		for {
			out, err := c.api.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
				InstanceTypes: types,
				NextToken:     token,
			})
			if err != nil {
				return nil, fmt.Errorf("describe instance types: %w", err)
			}
			for _, info := range out.InstanceTypes {
				m := Machine{Name: string(info.InstanceType)}
				if info.VCpuInfo != nil && info.VCpuInfo.DefaultVCpus != nil {
					m.VCPUs = int(*info.VCpuInfo.DefaultVCpus)
				}
				if info.MemoryInfo != nil && info.MemoryInfo.SizeInMiB != nil {
					m.MemoryGB = float64(*info.MemoryInfo.SizeInMiB) / 1024
				}
				machines = append(machines, m)
			}
			if out.NextToken == nil {
				break
			}
			token = out.NextToken
		}
	}
	return machines, nil
}

func ptr[T any](v T) *T {
	return &v
}
