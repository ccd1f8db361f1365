package common

import "strings"

// AWS partitions.
const (
	PartitionAWS      = "aws"
	PartitionGovCloud = "aws-us-gov"
	PartitionChina    = "aws-cn"
)

// PartitionForRegion maps a region name onto its partition.
func PartitionForRegion(region string) string {
	switch {
	case strings.HasPrefix(region, "us-gov-"):
		return PartitionGovCloud
	case strings.HasPrefix(region, "cn-"):
		return PartitionChina
	default:
		return PartitionAWS
	}
}

// GlobalRegion returns the region where global services (IAM, S3 listing,
// organisation trails) are evaluated for a partition. Account-level checks
// run only there so each account is reported once.
func GlobalRegion(partition string) string {
	switch partition {
	case PartitionGovCloud:
		return "us-gov-west-1"
	case PartitionChina:
		return "cn-north-1"
	default:
		return "us-east-1"
	}
}

// IsGlobalRegion reports whether region is the global region of its
// partition.
func IsGlobalRegion(region string) bool {
	return region == GlobalRegion(PartitionForRegion(region))
}
