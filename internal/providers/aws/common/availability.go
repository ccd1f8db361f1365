package common

// serviceForAuditor maps auditor names onto the service endpoint prefix they
// call. Auditors not listed use their own name.
var serviceForAuditor = map[string]string{
	"config":     "config",
	"elbv2":      "elasticloadbalancing",
	"cloudwatch": "monitoring",
}

// unsupported lists auditors whose service is missing from whole
// partitions or from individual regions.
var unsupported = map[string]struct {
	partitions []string
	regions    []string
}{
	"guardduty": {partitions: []string{PartitionChina}},
}

// ServiceForAuditor returns the service endpoint prefix an auditor calls.
func ServiceForAuditor(auditor string) string {
	if svc, ok := serviceForAuditor[auditor]; ok {
		return svc
	}
	return auditor
}

// AuditorSupportedInRegion reports whether an auditor's service is offered
// in region. Unknown auditors are assumed available.
func AuditorSupportedInRegion(auditor, region string) bool {
	u, ok := unsupported[auditor]
	if !ok {
		return true
	}
	partition := PartitionForRegion(region)
	for _, p := range u.partitions {
		if p == partition {
			return false
		}
	}
	for _, r := range u.regions {
		if r == region {
			return false
		}
	}
	return true
}
