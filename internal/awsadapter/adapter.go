// Package awsadapter implements spotcloud.Adapter against the AWS SDK v2 EC2
// client: spot price history, spot request lifecycle, instance listing and
// termination, and tagging.
package awsadapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/fleetward/spotfleet/internal/config"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

const maxHistoryPages = 50

// Adapter implements spotcloud.Adapter against a live EC2 client.
type Adapter struct {
	client    *ec2.Client
	fleetName string
	ephemeral spotcloud.EphemeralDiskCount

	mu             sync.Mutex
	subnetZoneMemo map[string]string
}

// New builds an Adapter from the AWS section of the configuration, falling
// back to the SDK's standard credential chain when no explicit keys are set.
func New(ctx context.Context, aw config.AWSConfig, fleetName string, ephemeral spotcloud.EphemeralDiskCount) (*Adapter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(aw.Region)}
	if aw.AccessKeyID != "" && aw.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(aw.AccessKeyID, aw.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	if ephemeral == nil {
		ephemeral = func(string) int { return 0 }
	}

	return &Adapter{
		client:         ec2.NewFromConfig(cfg),
		fleetName:      fleetName,
		ephemeral:      ephemeral,
		subnetZoneMemo: make(map[string]string),
	}, nil
}

// GetSpotPriceHistory is paginated; callers loop until next is empty.
func (a *Adapter) GetSpotPriceHistory(ctx context.Context, zone, instanceType string, start time.Time, nextToken string) ([]spotcloud.PriceSample, string, error) {
	input := &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(start),
	}
	if zone != "" {
		input.AvailabilityZone = aws.String(zone)
	}
	if nextToken != "" {
		input.NextToken = aws.String(nextToken)
	}

	out, err := a.client.DescribeSpotPriceHistory(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("describing spot price history for %s: %w", instanceType, err)
	}

	samples := make([]spotcloud.PriceSample, 0, len(out.SpotPriceHistory))
	for _, sp := range out.SpotPriceHistory {
		price, err := strconv.ParseFloat(aws.ToString(sp.SpotPrice), 64)
		if err != nil {
			continue
		}
		samples = append(samples, spotcloud.PriceSample{
			Zone:               aws.ToString(sp.AvailabilityZone),
			InstanceType:       string(sp.InstanceType),
			Price:              price,
			ProductDescription: string(sp.ProductDescription),
			Region:             regionFromZone(aws.ToString(sp.AvailabilityZone)),
			Timestamp:          aws.ToTime(sp.Timestamp),
		})
	}

	next := aws.ToString(out.NextToken)
	return samples, next, nil
}

func regionFromZone(zone string) string {
	if len(zone) < 2 {
		return zone
	}
	return zone[:len(zone)-1]
}

// RequestSpot submits a spot request at bid for instanceType in zoneGroup,
// tags each returned request with the fleet name, and returns the resulting
// SpotRequest projections.
func (a *Adapter) RequestSpot(ctx context.Context, bid float64, zoneGroup, instanceType string, spec spotcloud.LaunchSpec) ([]spotcloud.SpotRequest, error) {
	subnetZone := make(map[string]string, len(spec.NetworkInterfaces))
	for _, ni := range spec.NetworkInterfaces {
		zone, err := a.SubnetZone(ctx, ni.SubnetID)
		if err != nil {
			return nil, fmt.Errorf("resolving zone for subnet %s: %w", ni.SubnetID, err)
		}
		subnetZone[ni.SubnetID] = zone
	}
	inZone := filterNetworkInterfacesByZone(spec.NetworkInterfaces, subnetZone, zoneGroup)
	if err := validateLaunchSpec(spotcloud.LaunchSpec{NetworkInterfaces: inZone, Expiration: spec.Expiration}); err != nil {
		return nil, fmt.Errorf("building launch spec for %s in %s: %w", instanceType, zoneGroup, err)
	}

	launchSpec := &ec2types.RequestSpotLaunchSpecification{
		InstanceType:        ec2types.InstanceType(instanceType),
		NetworkInterfaces:   networkInterfacesFor(inZone),
		BlockDeviceMappings: blockDeviceMappingsFor(a.ephemeral(instanceType)),
	}

	input := &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(strconv.FormatFloat(bid, 'f', -1, 64)),
		InstanceCount:       aws.Int32(1),
		LaunchSpecification: launchSpec,
	}
	if spec.Expiration > 0 {
		input.ValidUntil = aws.Time(time.Now().Add(spec.Expiration))
	}

	out, err := a.client.RequestSpotInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("requesting spot instances for %s: %w", instanceType, err)
	}

	results := make([]spotcloud.SpotRequest, 0, len(out.SpotInstanceRequests))
	for _, req := range out.SpotInstanceRequests {
		id := aws.ToString(req.SpotInstanceRequestId)
		if err := a.AddTag(ctx, id, "Name", a.fleetName); err != nil {
			return nil, fmt.Errorf("tagging spot request %s: %w", id, err)
		}
		results = append(results, projectSpotRequest(req, map[string]string{"Name": a.fleetName}))
	}
	return results, nil
}

func (a *Adapter) CancelSpot(ctx context.Context, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	_, err := a.client.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: requestIDs,
	})
	if err != nil {
		return fmt.Errorf("canceling spot requests: %w", err)
	}
	return nil
}

func (a *Adapter) Terminate(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: instanceIDs,
	})
	if err != nil {
		return fmt.Errorf("terminating instances: %w", err)
	}
	return nil
}

func (a *Adapter) ListSpotRequests(ctx context.Context) ([]spotcloud.SpotRequest, error) {
	var requests []spotcloud.SpotRequest
	var nextToken *string

	for page := 0; page < maxHistoryPages; page++ {
		out, err := a.client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describing spot instance requests: %w", err)
		}
		for _, req := range out.SpotInstanceRequests {
			requests = append(requests, projectSpotRequest(req, tagMap(req.Tags)))
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		nextToken = out.NextToken
	}
	return requests, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]spotcloud.Instance, error) {
	var instances []spotcloud.Instance
	var nextToken *string

	for page := 0; page < maxHistoryPages; page++ {
		out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describing instances: %w", err)
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				instances = append(instances, spotcloud.Instance{
					ID:                    aws.ToString(inst.InstanceId),
					InstanceType:          string(inst.InstanceType),
					State:                 string(inst.State.Name),
					SpotInstanceRequestID: aws.ToString(inst.SpotInstanceRequestId),
					Tags:                  tagMap(inst.Tags),
				})
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		nextToken = out.NextToken
	}
	return instances, nil
}

func (a *Adapter) AddTag(ctx context.Context, resourceID, key, value string) error {
	_, err := a.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      []ec2types.Tag{{Key: aws.String(key), Value: aws.String(value)}},
	})
	if err != nil {
		return fmt.Errorf("tagging %s: %w", resourceID, err)
	}
	return nil
}

func (a *Adapter) SubnetZone(ctx context.Context, subnetID string) (string, error) {
	a.mu.Lock()
	if zone, ok := a.subnetZoneMemo[subnetID]; ok {
		a.mu.Unlock()
		return zone, nil
	}
	a.mu.Unlock()

	out, err := a.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		SubnetIds: []string{subnetID},
	})
	if err != nil {
		return "", fmt.Errorf("describing subnet %s: %w", subnetID, err)
	}
	if len(out.Subnets) == 0 {
		return "", fmt.Errorf("subnet %s not found", subnetID)
	}
	zone := aws.ToString(out.Subnets[0].AvailabilityZone)

	a.mu.Lock()
	a.subnetZoneMemo[subnetID] = zone
	a.mu.Unlock()

	return zone, nil
}

func projectSpotRequest(req ec2types.SpotInstanceRequest, tags map[string]string) spotcloud.SpotRequest {
	price, _ := strconv.ParseFloat(aws.ToString(req.SpotPrice), 64)
	instanceType := ""
	if req.LaunchSpecification != nil {
		instanceType = string(req.LaunchSpecification.InstanceType)
	}
	return spotcloud.SpotRequest{
		ID:           aws.ToString(req.SpotInstanceRequestId),
		Price:        price,
		InstanceType: instanceType,
		StatusCode:   string(req.Status.Code),
		InstanceID:   aws.ToString(req.InstanceId),
		CreateTime:   aws.ToTime(req.CreateTime),
		Tags:         tags,
	}
}

func tagMap(tags []ec2types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}
