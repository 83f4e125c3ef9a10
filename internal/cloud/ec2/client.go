package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
)

// Config holds the connection settings.
type Config struct {
	// Region is where workers run.
	Region string
	// AccessKey and SecretKey are optional; the default AWS chain is used when empty.
	AccessKey string
	SecretKey string
}

var (
	// errNoImage is returned when no image matches the filters.
	errNoImage = errors.New("no matching machine image")
	// errNoInstance is returned when the provider knows nothing about a worker.
	errNoInstance = errors.New("worker not found")
)

// Client wraps the EC2 API.
type Client struct {
	api    ec2iface.EC2API
	region string
}

// New creates a client for the configured region.
func New(cfg Config) (*Client, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	return NewWithAPI(awsec2.New(sess), cfg.Region), nil
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api ec2iface.EC2API, region string) *Client {
	return &Client{api: api, region: region}
}

// Region returns the client region.
func (c *Client) Region() string {
	return c.region
}

// LatestImage returns the newest available image from owner whose name matches nameFilter.
func (c *Client) LatestImage(ctx context.Context, owner, nameFilter string) (string, error) {
	out, err := c.api.DescribeImagesWithContext(ctx, &awsec2.DescribeImagesInput{
		Owners: aws.StringSlice([]string{owner}),
		Filters: []*awsec2.Filter{
			{Name: aws.String("name"), Values: aws.StringSlice([]string{nameFilter})},
			{Name: aws.String("state"), Values: aws.StringSlice([]string{"available"})},
		},
	})
	if err != nil {
		return "", c.wrap(ctx, "describe images", err)
	}

	images := out.Images
	if len(images) == 0 {
		return "", fmt.Errorf("%w: owner %s, name %s", errNoImage, owner, nameFilter)
	}

	// CreationDate is ISO 8601, so string order is time order.
	sort.Slice(images, func(i, j int) bool {
		return aws.StringValue(images[i].CreationDate) > aws.StringValue(images[j].CreationDate)
	})

	return aws.StringValue(images[0].ImageId), nil
}

// Provision launches one worker and returns its identifier.
func (c *Client) Provision(ctx context.Context, spec dump.WorkerSpec) (string, error) {
	ctx = logger.WithName(ctx, "ec2")

	input := &awsec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: aws.String(spec.InstanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(spec.StartupScript))),
		BlockDeviceMappings: []*awsec2.BlockDeviceMapping{{
			DeviceName: aws.String(spec.DeviceName),
			Ebs: &awsec2.EbsBlockDevice{
				VolumeSize:          aws.Int64(spec.DiskSizeGB),
				VolumeType:          aws.String(awsec2.VolumeTypeGp3),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
	}

	if spec.AccessProfile != "" {
		input.IamInstanceProfile = &awsec2.IamInstanceProfileSpecification{Name: aws.String(spec.AccessProfile)}
	}

	if spec.Name != "" {
		input.TagSpecifications = []*awsec2.TagSpecification{{
			ResourceType: aws.String(awsec2.ResourceTypeInstance),
			Tags:         []*awsec2.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}},
		}}
	}

	out, err := c.api.RunInstancesWithContext(ctx, input)
	if err != nil {
		return "", c.wrap(ctx, "run instances", err)
	}

	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instances: %w", errNoInstance)
	}

	workerID := aws.StringValue(out.Instances[0].InstanceId)
	logger.InfoKV(ctx, "Worker launched", "worker_id", workerID, "region", c.region, "type", spec.InstanceType)

	return workerID, nil
}

// Describe returns the current worker status.
func (c *Client) Describe(ctx context.Context, workerID string) (*dump.WorkerStatus, error) {
	out, err := c.api.DescribeInstancesWithContext(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: aws.StringSlice([]string{workerID}),
	})
	if err != nil {
		return nil, c.wrap(ctx, "describe instances", err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.StringValue(instance.InstanceId) != workerID {
				continue
			}

			var providerState string
			if instance.State != nil {
				providerState = aws.StringValue(instance.State.Name)
			}

			return &dump.WorkerStatus{
				State:         MapState(providerState),
				ProviderState: providerState,
				LaunchTime:    aws.TimeValue(instance.LaunchTime),
				InstanceType:  aws.StringValue(instance.InstanceType),
				PublicIP:      aws.StringValue(instance.PublicIpAddress),
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", errNoInstance, workerID)
}

// ConsoleOutput returns the decoded cumulative console text.
func (c *Client) ConsoleOutput(ctx context.Context, workerID string) (string, error) {
	out, err := c.api.GetConsoleOutputWithContext(ctx, &awsec2.GetConsoleOutputInput{
		InstanceId: aws.String(workerID),
	})
	if err != nil {
		return "", c.wrap(ctx, "get console output", err)
	}

	encoded := aws.StringValue(out.Output)
	if encoded == "" {
		return "", nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode console output: %w", err)
	}

	return string(decoded), nil
}

// MapState normalizes provider states. Transitional states count as running
// until the provider reports a settled state.
func MapState(providerState string) dump.WorkerState {
	switch providerState {
	case awsec2.InstanceStateNamePending:
		return dump.WorkerPending
	case awsec2.InstanceStateNameStopped:
		return dump.WorkerStopped
	case awsec2.InstanceStateNameTerminated:
		return dump.WorkerTerminated
	default:
		return dump.WorkerRunning
	}
}

// wrap maps API failures: request errors are transient network errors,
// a cancelled context is a user interrupt.
func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if cancelled := dump.Cancelled(ctx); cancelled != nil {
		return cancelled
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() < 500 {
		return fmt.Errorf("%s: %w", op, err)
	}

	return &dump.NetworkError{URL: fmt.Sprintf("ec2 %s %s", c.region, op), Err: err}
}
