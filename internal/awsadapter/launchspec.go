package awsadapter

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

// ephemeralDeviceNames are the block-device paths ephemeral volumes attach
// at, in order: /dev/sdb, /dev/sdc, ...
var ephemeralDeviceNames = []string{
	"/dev/sdb", "/dev/sdc", "/dev/sdd", "/dev/sde",
	"/dev/sdf", "/dev/sdg", "/dev/sdh", "/dev/sdi",
	"/dev/sdj", "/dev/sdk", "/dev/sdl", "/dev/sdm",
}

// networkInterfacesFor converts already zone-filtered interface specs into
// the SDK's request shape.
func networkInterfacesFor(specs []spotcloud.NetworkInterfaceSpec) []ec2types.InstanceNetworkInterfaceSpecification {
	out := make([]ec2types.InstanceNetworkInterfaceSpecification, 0, len(specs))
	for _, s := range specs {
		out = append(out, ec2types.InstanceNetworkInterfaceSpecification{
			SubnetId:                 aws.String(s.SubnetID),
			DeviceIndex:              aws.Int32(int32(s.DeviceIndex)),
			AssociatePublicIpAddress: aws.Bool(s.AssociatePublicIP),
			Groups:                   s.Groups,
		})
	}
	return out
}

// blockDeviceMappingsFor attaches n instance-store ephemeral volumes at
// /dev/sdb, /dev/sdc, ..., named ephemeral0, ephemeral1, ... per the
// VirtualName convention EC2 expects for instance store (not EBS).
func blockDeviceMappingsFor(n int) []ec2types.BlockDeviceMapping {
	if n <= 0 {
		return nil
	}
	if n > len(ephemeralDeviceNames) {
		n = len(ephemeralDeviceNames)
	}
	out := make([]ec2types.BlockDeviceMapping, n)
	for i := 0; i < n; i++ {
		out[i] = ec2types.BlockDeviceMapping{
			DeviceName:  aws.String(ephemeralDeviceNames[i]),
			VirtualName: aws.String(fmt.Sprintf("ephemeral%d", i)),
		}
	}
	return out
}

// filterNetworkInterfacesByZone keeps only the interface specs whose subnet
// resolves (via the given lookup) to zone.
func filterNetworkInterfacesByZone(specs []spotcloud.NetworkInterfaceSpec, subnetZone map[string]string, zone string) []spotcloud.NetworkInterfaceSpec {
	out := make([]spotcloud.NetworkInterfaceSpec, 0, len(specs))
	for _, s := range specs {
		if subnetZone[s.SubnetID] == zone {
			out = append(out, s)
		}
	}
	return out
}

func validateLaunchSpec(spec spotcloud.LaunchSpec) error {
	if len(spec.NetworkInterfaces) == 0 {
		return fmt.Errorf("launch spec has no network interfaces")
	}
	return nil
}
