package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/dump-fetcher/internal/cloud/ec2"
	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/repository/session"
	"github.com/oshokin/dump-fetcher/internal/service/launcher"
	"github.com/oshokin/dump-fetcher/internal/service/monitor"
	"github.com/oshokin/dump-fetcher/internal/service/resolver"
)

// workerPhase is what the provider reports at one DescribeInstances call.
type workerPhase struct {
	state   string
	console string
	// upload is put into the bucket when the phase is reached.
	upload map[string]int64
}

// simulatedCloud plays a worker lifecycle through the EC2 API.
type simulatedCloud struct {
	ec2iface.EC2API

	mu       sync.Mutex
	phases   []workerPhase
	next     int
	active   workerPhase
	bucket   *objectStore
	userData string
}

// advance moves to the next phase; the last one repeats.
func (c *simulatedCloud) advance() workerPhase {
	c.active = c.phases[min(c.next, len(c.phases)-1)]
	c.next++

	return c.active
}

func (c *simulatedCloud) DescribeImagesWithContext(
	_ aws.Context,
	_ *awsec2.DescribeImagesInput,
	_ ...request.Option,
) (*awsec2.DescribeImagesOutput, error) {
	return &awsec2.DescribeImagesOutput{Images: []*awsec2.Image{
		{ImageId: aws.String("ami-jammy-old"), CreationDate: aws.String("2024-01-01T00:00:00.000Z")},
		{ImageId: aws.String("ami-jammy-new"), CreationDate: aws.String("2024-02-20T00:00:00.000Z")},
	}}, nil
}

func (c *simulatedCloud) RunInstancesWithContext(
	_ aws.Context,
	input *awsec2.RunInstancesInput,
	_ ...request.Option,
) (*awsec2.Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	script, err := base64.StdEncoding.DecodeString(aws.StringValue(input.UserData))
	if err != nil {
		return nil, err
	}

	c.userData = string(script)

	return &awsec2.Reservation{Instances: []*awsec2.Instance{{InstanceId: aws.String("i-0feedface")}}}, nil
}

func (c *simulatedCloud) DescribeInstancesWithContext(
	_ aws.Context,
	_ *awsec2.DescribeInstancesInput,
	_ ...request.Option,
) (*awsec2.DescribeInstancesOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phase := c.advance()

	for key, size := range phase.upload {
		c.bucket.put(key, size)
	}

	return &awsec2.DescribeInstancesOutput{Reservations: []*awsec2.Reservation{{
		Instances: []*awsec2.Instance{{
			InstanceId:   aws.String("i-0feedface"),
			InstanceType: aws.String("t3.small"),
			LaunchTime:   aws.Time(time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)),
			State:        &awsec2.InstanceState{Name: aws.String(phase.state)},
		}},
	}}}, nil
}

func (c *simulatedCloud) GetConsoleOutputWithContext(
	_ aws.Context,
	_ *awsec2.GetConsoleOutputInput,
	_ ...request.Option,
) (*awsec2.GetConsoleOutputOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &awsec2.GetConsoleOutputOutput{
		Output: aws.String(base64.StdEncoding.EncodeToString([]byte(c.active.console))),
	}, nil
}

func workerSettings() config.WorkerConfig {
	cfg := &config.Config{}
	_ = config.Validate(cfg)

	return cfg.Worker
}

// TestWorker_LaunchThenMonitor launches a worker with resolved URLs, then
// resumes monitoring from the saved session until the completion marker.
func TestWorker_LaunchThenMonitor(t *testing.T) {
	t.Parallel()

	archive := newDumpArchive("20240301-001001", map[string][]byte{
		"artist.tar.xz":  []byte("artist"),
		"release.tar.xz": []byte("release"),
	})
	srv := archive.start(t)
	store, bucket := startStore(t, "dumps")

	const marker = config.DefaultCompletionMarker

	cloud := &simulatedCloud{
		bucket: bucket,
		phases: []workerPhase{
			{state: awsec2.InstanceStateNamePending},
			{state: awsec2.InstanceStateNamePending},
			{state: awsec2.InstanceStateNameRunning, console: "cloud-init\n"},
			{
				state:   awsec2.InstanceStateNameRunning,
				console: "cloud-init\nUploaded artist.tar.xz\n",
				upload:  map[string]int64{"raw/musicbrainz/artist.tar.xz": 6},
			},
			{
				state:   awsec2.InstanceStateNameRunning,
				console: "cloud-init\nUploaded artist.tar.xz\nUploaded release.tar.xz\n" + marker + "\n",
				upload:  map[string]int64{"raw/musicbrainz/release.tar.xz": 7},
			},
		},
	}

	client := ec2.NewWithAPI(cloud, "eu-west-3")
	sessions := session.NewFileRepository(filepath.Join(t.TempDir(), "config", "ec2_instance.json"))
	ctx := context.Background()

	result, err := launcher.New(resolver.New(), client, sessions).Launch(ctx, launcher.Options{
		Datasets: []config.Dataset{musicBrainz(srv.URL + "/json-dumps/")},
		Bucket:   "dumps",
		Region:   "eu-west-3",
		Worker:   workerSettings(),
	})
	require.NoError(t, err)
	require.Equal(t, "i-0feedface", result.WorkerID)
	require.Equal(t, "ami-jammy-new", result.ImageID)
	require.Contains(t, cloud.userData, srv.URL+"/json-dumps/20240301-001001/artist.tar.xz")
	require.Contains(t, cloud.userData, "raw/musicbrainz/release.tar.xz")

	// A later invocation only knows the session file.
	saved, err := sessions.Load(ctx)
	require.NoError(t, err)

	var console bytes.Buffer

	report, err := monitor.New(client, monitor.WithStore(store)).Watch(ctx, monitor.Options{
		WorkerID: saved.WorkerID,
		Region:   saved.Region,
		Interval: time.Millisecond,
		Marker:   marker,
		Bucket:   "dumps",
		Prefixes: []string{"raw/musicbrainz/"},
		Output:   &console,
	})
	require.NoError(t, err)
	require.Equal(t, monitor.OutcomeCompleted, report.Outcome)
	require.Equal(t, dump.WorkerRunning, report.Session.State)
	require.Equal(t, 1, strings.Count(console.String(), "Uploaded artist.tar.xz"))
	require.Len(t, report.Storage, 1)
	require.Len(t, report.Storage[0].Objects, 2)
}

// TestWorker_StoppedWithoutMarker reports ambiguity when the worker stops early.
func TestWorker_StoppedWithoutMarker(t *testing.T) {
	t.Parallel()

	_, bucket := startStore(t, "dumps")
	cloud := &simulatedCloud{
		bucket: bucket,
		phases: []workerPhase{
			{state: awsec2.InstanceStateNamePending},
			{state: awsec2.InstanceStateNameRunning, console: "cloud-init\n"},
			{state: awsec2.InstanceStateNameStopping, console: "cloud-init\nDownload failed\n"},
			{state: awsec2.InstanceStateNameStopped, console: "cloud-init\nDownload failed\n"},
		},
	}

	report, err := monitor.New(ec2.NewWithAPI(cloud, "eu-west-3")).Watch(context.Background(), monitor.Options{
		WorkerID: "i-0feedface",
		Region:   "eu-west-3",
		Interval: time.Millisecond,
	})
	require.ErrorIs(t, err, dump.ErrAmbiguousWorkerOutcome)
	require.Equal(t, monitor.OutcomeAmbiguous, report.Outcome)
	require.Equal(t, dump.WorkerStopped, report.Session.State)
}
