package auditors

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

// Default for ec2-ami-age-check's max_age_days parameter.
const defaultMaxAMIAgeDays = 90

// adminPorts are flagged when reachable from anywhere.
var adminPorts = []int32{22, 3389}

var (
	ec2IMDSv2 = control{
		check:    "ec2-imdsv2-check",
		title:    "[EC2.1] EC2 Instances should be configured to use instance metadata service V2 (IMDSv2)",
		severity: models.SeverityMedium,
		remediation: models.Remediation{
			Text: "To learn how to configure IMDSv2 refer to the Transitioning to Using Instance Metadata Service Version 2 section of the Amazon EC2 User Guide",
			URL:  "https://docs.aws.amazon.com/AWSEC2/latest/UserGuide/configuring-instance-metadata-service.html#instance-metadata-transition-to-version-2",
		},
		types:        typesDataExposure,
		requirements: reqAccessControl,
	}
	ec2PublicFacing = control{
		check:    "ec2-public-facing-check",
		title:    "[EC2.2] EC2 Instances should not be internet-facing",
		severity: models.SeverityMedium,
		remediation: models.Remediation{
			Text: "EC2 Instances should be rebuilt in Private Subnets within your VPC and placed behind Load Balancers",
			URL:  "https://docs.aws.amazon.com/elasticloadbalancing/latest/application/create-application-load-balancer.html",
		},
		types:        typesDataExposure,
		requirements: reqNetworkIntegrity,
	}
	ec2SourceDest = control{
		check:    "ec2-source-dest-verification-check",
		title:    "[EC2.3] EC2 Instances should use Source-Destination checks unless absolutely not required",
		severity: models.SeverityLow,
		remediation: models.Remediation{
			Text: "To learn how to change Source-Destination checks refer to the Changing the Source or Destination Checking section of the Amazon EC2 User Guide",
			URL:  "https://docs.aws.amazon.com/vpc/latest/userguide/VPC_NAT_Instance.html#EIP_Disable_SrcDestCheck",
		},
		types:        typesBestPractice,
		requirements: reqNetworkIntegrity,
	}
	ec2AMIAge = control{
		check:    "ec2-ami-age-check",
		title:    "[EC2.4] EC2 Instances should use AMIs that are less than 3 months old",
		severity: models.SeverityMedium,
		remediation: models.Remediation{
			Text: "To learn more about AMI usage, refer to the AMI section of the Amazon Elastic Compute Cloud User Guide",
			URL:  "https://docs.aws.amazon.com/AWSEC2/latest/UserGuide/AMIs.html#ami-using",
		},
		types:        typesBestPractice,
		requirements: reqVulnerability,
	}
	ec2AMIStatus = control{
		check:    "ec2-ami-status-check",
		title:    "[EC2.5] EC2 Instances should use AMIs that are currently registered",
		severity: models.SeverityHigh,
		remediation: models.Remediation{
			Text: "To learn more about AMI usage, refer to the AMI section of the Amazon Elastic Compute Cloud User Guide",
			URL:  "https://docs.aws.amazon.com/AWSEC2/latest/UserGuide/AMIs.html#ami-using",
		},
		types:        typesBestPractice,
		requirements: reqVulnerability,
	}
	ec2SerialPort = control{
		check:    "ec2-serial-port-access-check",
		title:    "[EC2.6] Serial port access to EC2 should be prohibited unless absolutely required",
		severity: models.SeverityHigh,
		remediation: models.Remediation{
			Text: "To learn more about the EC2 Serial Console refer to the EC2 Serial Console for Linux instances section of the Amazon Elastic Compute Cloud User Guide",
			URL:  "https://docs.aws.amazon.com/AWSEC2/latest/UserGuide/ec2-serial-console.html",
		},
		types:        typesDataExposure,
		requirements: reqAccessControl,
	}
	ec2EBSEncryption = control{
		check:    "ec2-ebs-encryption-check",
		title:    "[EC2.7] EBS Volumes should be encrypted",
		severity: models.SeverityHigh,
		remediation: models.Remediation{
			Text: "To learn more about EBS encryption refer to the Amazon EBS Encryption section of the Amazon EBS User Guide",
			URL:  "https://docs.aws.amazon.com/ebs/latest/userguide/ebs-encryption.html",
		},
		types:        typesDataExposure,
		requirements: reqDataAtRest,
	}
	ec2OpenAdminPort = control{
		check:    "ec2-sg-open-admin-port-check",
		title:    "[EC2.8] Security groups should not allow SSH or RDP from the internet",
		severity: models.SeverityHigh,
		remediation: models.Remediation{
			Text: "Restrict inbound rules for ports 22 and 3389 to known administrative CIDR ranges or use Session Manager",
			URL:  "https://docs.aws.amazon.com/vpc/latest/userguide/vpc-security-groups.html",
		},
		types:        typesDataExposure,
		requirements: reqNetworkIntegrity,
	}
)

type ec2Auditor struct{ base }

func (a *ec2Auditor) Checks() []registry.Check {
	return []registry.Check{
		a.check(ec2IMDSv2, a.imdsv2),
		a.check(ec2PublicFacing, a.publicFacing),
		a.check(ec2SourceDest, a.sourceDest),
		a.check(ec2AMIAge, a.amiAge),
		a.check(ec2AMIStatus, a.amiStatus),
		a.check(ec2SerialPort, a.serialPort),
		a.check(ec2EBSEncryption, a.ebsEncryption),
		a.check(ec2OpenAdminPort, a.openAdminPort),
	}
}

// ── typed views ───────────────────────────────────────────────────────────────

type instanceView struct {
	ID               string
	ARN              string
	Type             string
	ImageID          string
	VPCID            string
	SubnetID         string
	MetadataEndpoint string
	HTTPTokens       string
	PublicDNS        string
	SourceDestCheck  bool
}

func (v instanceView) resource() models.Resource {
	return models.Resource{
		Type: "AwsEc2Instance",
		ID:   v.ARN,
		Details: map[string]string{
			"Type":     v.Type,
			"ImageId":  v.ImageID,
			"VpcId":    v.VPCID,
			"SubnetId": v.SubnetID,
		},
	}
}

// imageView is one AMI. Found is false when EC2 no longer knows the image.
type imageView struct {
	ID           string
	Found        bool
	State        string
	CreationDate time.Time
}

type volumeView struct {
	ID        string
	ARN       string
	Encrypted bool
}

type securityGroupView struct {
	ID        string
	ARN       string
	Name      string
	OpenPorts []int32
}

func (a *ec2Auditor) instances(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]instanceView, error) {
	return cache.Fetch(ctx, c, "ec2:describe_instances", func(ctx context.Context) ([]instanceView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := ec2.NewDescribeInstancesPaginator(cs.EC2, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{{
				Name:   aws.String("instance-state-name"),
				Values: []string{"running", "stopped"},
			}},
		})
		var out []instanceView
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "ec2", "DescribeInstances", func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, r := range page.Reservations {
				for _, i := range r.Instances {
					if i.InstanceId == nil {
						return nil, common.Malformed("ec2", "DescribeInstances", "instance without InstanceId")
					}
					out = append(out, newInstanceView(scope, i))
				}
			}
		}
		return out, nil
	})
}

func newInstanceView(scope models.Scope, i ec2types.Instance) instanceView {
	id := aws.ToString(i.InstanceId)
	v := instanceView{
		ID:              id,
		ARN:             fmt.Sprintf("arn:%s:ec2:%s:%s:instance/%s", scope.Partition, scope.Region, scope.AccountID, id),
		Type:            string(i.InstanceType),
		ImageID:         aws.ToString(i.ImageId),
		VPCID:           aws.ToString(i.VpcId),
		SubnetID:        aws.ToString(i.SubnetId),
		PublicDNS:       aws.ToString(i.PublicDnsName),
		SourceDestCheck: aws.ToBool(i.SourceDestCheck),
	}
	if i.MetadataOptions != nil {
		v.MetadataEndpoint = string(i.MetadataOptions.HttpEndpoint)
		v.HTTPTokens = string(i.MetadataOptions.HttpTokens)
	}
	return v
}

// image describes one AMI. The age and status checks share the per-image
// key, and an image EC2 reports as not found is cached as not Found.
func (a *ec2Auditor) image(ctx context.Context, c *cache.ResponseCache, scope models.Scope, id string) (imageView, error) {
	return cache.Fetch(ctx, c, "ec2:describe_image:"+id, func(ctx context.Context) (imageView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return imageView{}, err
		}
		out, err := common.Do(ctx, a.deps.Fetcher, "ec2", "DescribeImages", func(ctx context.Context) (*ec2.DescribeImagesOutput, error) {
			return cs.EC2.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{id}})
		})
		if common.IsNotFound(err) {
			return imageView{ID: id}, nil
		}
		if err != nil {
			return imageView{}, err
		}
		if len(out.Images) == 0 {
			return imageView{ID: id}, nil
		}
		img := out.Images[0]
		v := imageView{ID: id, Found: true, State: string(img.State)}
		if raw := aws.ToString(img.CreationDate); raw != "" {
			created, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return imageView{}, common.Malformed("ec2", "DescribeImages", "unparseable CreationDate "+raw)
			}
			v.CreationDate = created
		}
		return v, nil
	})
}

func (a *ec2Auditor) volumes(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]volumeView, error) {
	return cache.Fetch(ctx, c, "ec2:describe_volumes", func(ctx context.Context) ([]volumeView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := ec2.NewDescribeVolumesPaginator(cs.EC2, &ec2.DescribeVolumesInput{})
		var out []volumeView
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "ec2", "DescribeVolumes", func(ctx context.Context) (*ec2.DescribeVolumesOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, v := range page.Volumes {
				if v.VolumeId == nil {
					return nil, common.Malformed("ec2", "DescribeVolumes", "volume without VolumeId")
				}
				id := aws.ToString(v.VolumeId)
				out = append(out, volumeView{
					ID:        id,
					ARN:       fmt.Sprintf("arn:%s:ec2:%s:%s:volume/%s", scope.Partition, scope.Region, scope.AccountID, id),
					Encrypted: aws.ToBool(v.Encrypted),
				})
			}
		}
		return out, nil
	})
}

func (a *ec2Auditor) securityGroups(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]securityGroupView, error) {
	return cache.Fetch(ctx, c, "ec2:describe_security_groups", func(ctx context.Context) ([]securityGroupView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := ec2.NewDescribeSecurityGroupsPaginator(cs.EC2, &ec2.DescribeSecurityGroupsInput{})
		var out []securityGroupView
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "ec2", "DescribeSecurityGroups", func(ctx context.Context) (*ec2.DescribeSecurityGroupsOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, sg := range page.SecurityGroups {
				if sg.GroupId == nil {
					return nil, common.Malformed("ec2", "DescribeSecurityGroups", "group without GroupId")
				}
				id := aws.ToString(sg.GroupId)
				out = append(out, securityGroupView{
					ID:        id,
					ARN:       fmt.Sprintf("arn:%s:ec2:%s:%s:security-group/%s", scope.Partition, scope.Region, scope.AccountID, id),
					Name:      aws.ToString(sg.GroupName),
					OpenPorts: openAdminPorts(sg.IpPermissions),
				})
			}
		}
		return out, nil
	})
}

// openAdminPorts returns the admin ports that perms expose to 0.0.0.0/0 or
// ::/0.
func openAdminPorts(perms []ec2types.IpPermission) []int32 {
	var open []int32
	for _, port := range adminPorts {
		for _, p := range perms {
			if !fromAnywhere(p) || !coversPort(p, port) {
				continue
			}
			open = append(open, port)
			break
		}
	}
	return open
}

func fromAnywhere(p ec2types.IpPermission) bool {
	for _, r := range p.IpRanges {
		if aws.ToString(r.CidrIp) == "0.0.0.0/0" {
			return true
		}
	}
	for _, r := range p.Ipv6Ranges {
		if aws.ToString(r.CidrIpv6) == "::/0" {
			return true
		}
	}
	return false
}

func coversPort(p ec2types.IpPermission, port int32) bool {
	switch aws.ToString(p.IpProtocol) {
	case "-1":
		return true
	case "tcp", "6":
		if p.FromPort == nil || p.ToPort == nil {
			return true
		}
		return aws.ToInt32(p.FromPort) <= port && port <= aws.ToInt32(p.ToPort)
	default:
		return false
	}
}

// ── checks ────────────────────────────────────────────────────────────────────

// eachInstance evaluates fn for every instance in scope.
func (a *ec2Auditor) eachInstance(ctx context.Context, c *cache.ResponseCache, scope models.Scope, fn func(instanceView) (models.Finding, bool, error)) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		instances, err := a.instances(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, inst := range instances {
			f, ok, err := fn(inst)
			if err != nil {
				yield(models.Finding{}, err)
				return
			}
			if ok && !yield(f, nil) {
				return
			}
		}
	}
}

func (a *ec2Auditor) imdsv2(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return a.eachInstance(ctx, c, scope, func(inst instanceView) (models.Finding, bool, error) {
		status := models.CompliancePassed
		desc := fmt.Sprintf("EC2 Instance %s is using IMDSv2 or has the metadata endpoint disabled.", inst.ID)
		if inst.MetadataEndpoint != "disabled" && inst.HTTPTokens != "required" {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("EC2 Instance %s is not configured to require IMDSv2 session tokens.", inst.ID)
		}
		f, err := a.finding(scope, ec2IMDSv2, inst.resource(), status, desc)
		return f, true, err
	})
}

func (a *ec2Auditor) publicFacing(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return a.eachInstance(ctx, c, scope, func(inst instanceView) (models.Finding, bool, error) {
		status := models.CompliancePassed
		desc := fmt.Sprintf("EC2 Instance %s is not internet-facing.", inst.ID)
		if inst.PublicDNS != "" {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("EC2 Instance %s is internet-facing with public DNS name %s.", inst.ID, inst.PublicDNS)
		}
		f, err := a.finding(scope, ec2PublicFacing, inst.resource(), status, desc)
		return f, true, err
	})
}

func (a *ec2Auditor) sourceDest(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return a.eachInstance(ctx, c, scope, func(inst instanceView) (models.Finding, bool, error) {
		status := models.CompliancePassed
		desc := fmt.Sprintf("EC2 Instance %s has source-destination checking enabled.", inst.ID)
		if !inst.SourceDestCheck {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("EC2 Instance %s has source-destination checking disabled.", inst.ID)
		}
		f, err := a.finding(scope, ec2SourceDest, inst.resource(), status, desc)
		return f, true, err
	})
}

func (a *ec2Auditor) amiAge(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	maxAge := a.threshold(ec2AMIAge.check, "max_age_days", defaultMaxAMIAgeDays)
	return a.eachInstance(ctx, c, scope, func(inst instanceView) (models.Finding, bool, error) {
		img, err := a.image(ctx, c, scope, inst.ImageID)
		if err != nil {
			registry.SkipResource(ctx, "AwsEc2Instance", inst.ID, err)
			return models.Finding{}, false, nil
		}

		var status models.ComplianceStatus
		var desc string
		switch {
		case !img.Found || img.CreationDate.IsZero():
			status = models.ComplianceFailed
			desc = fmt.Sprintf("EC2 Instance %s uses AMI %s whose creation date is unavailable.", inst.ID, img.ID)
		default:
			age := a.deps.Now().Sub(img.CreationDate)
			days := int(age / (24 * time.Hour))
			if float64(days) > maxAge {
				status = models.ComplianceFailed
				desc = fmt.Sprintf("EC2 Instance %s uses AMI %s which is %d days old.", inst.ID, img.ID, days)
			} else {
				status = models.CompliancePassed
				desc = fmt.Sprintf("EC2 Instance %s uses AMI %s which is %d days old.", inst.ID, img.ID, days)
			}
		}
		f, err := a.finding(scope, ec2AMIAge, inst.resource(), status, desc)
		return f, true, err
	})
}

func (a *ec2Auditor) amiStatus(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return a.eachInstance(ctx, c, scope, func(inst instanceView) (models.Finding, bool, error) {
		img, err := a.image(ctx, c, scope, inst.ImageID)
		if err != nil {
			registry.SkipResource(ctx, "AwsEc2Instance", inst.ID, err)
			return models.Finding{}, false, nil
		}

		ctl := ec2AMIStatus
		status := models.CompliancePassed
		desc := fmt.Sprintf("EC2 Instance %s uses AMI %s in state %s.", inst.ID, img.ID, img.State)
		switch {
		case !img.Found:
			status = models.ComplianceFailed
			desc = fmt.Sprintf("EC2 Instance %s uses AMI %s which is unavailable.", inst.ID, img.ID)
		case img.State == "pending":
			ctl.severity = models.SeverityLow
			status = models.ComplianceFailed
		case img.State != "available":
			status = models.ComplianceFailed
		}
		f, err := a.finding(scope, ctl, inst.resource(), status, desc)
		return f, true, err
	})
}

func (a *ec2Auditor) serialPort(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		enabled, err := fetch(ctx, a.base, c, "ec2:serial_console_access", "ec2", "GetSerialConsoleAccessStatus", func(ctx context.Context) (bool, error) {
			cs, err := a.clients(scope)
			if err != nil {
				return false, err
			}
			out, err := cs.EC2.GetSerialConsoleAccessStatus(ctx, &ec2.GetSerialConsoleAccessStatusInput{})
			if err != nil {
				return false, err
			}
			return aws.ToBool(out.SerialConsoleAccessEnabled), nil
		})
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		status := models.CompliancePassed
		desc := fmt.Sprintf("AWS Account %s in Region %s restricts access to the EC2 Serial Console.", scope.AccountID, scope.Region)
		if enabled {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("AWS Account %s in Region %s does not restrict access to the EC2 Serial Console.", scope.AccountID, scope.Region)
		}
		yield(a.finding(scope, ec2SerialPort, accountResource(scope, true), status, desc))
	}
}

func (a *ec2Auditor) ebsEncryption(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		volumes, err := a.volumes(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, v := range volumes {
			status := models.CompliancePassed
			desc := fmt.Sprintf("EBS Volume %s is encrypted.", v.ID)
			if !v.Encrypted {
				status = models.ComplianceFailed
				desc = fmt.Sprintf("EBS Volume %s is not encrypted.", v.ID)
			}
			res := models.Resource{Type: "AwsEc2Volume", ID: v.ARN}
			if !yield(a.finding(scope, ec2EBSEncryption, res, status, desc)) {
				return
			}
		}
	}
}

func (a *ec2Auditor) openAdminPort(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		groups, err := a.securityGroups(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, sg := range groups {
			status := models.CompliancePassed
			desc := fmt.Sprintf("Security group %s does not expose SSH or RDP to the internet.", sg.ID)
			if len(sg.OpenPorts) > 0 {
				ports := make([]string, len(sg.OpenPorts))
				for i, p := range sg.OpenPorts {
					ports[i] = fmt.Sprint(p)
				}
				status = models.ComplianceFailed
				desc = fmt.Sprintf("Security group %s allows port %s from the internet.", sg.ID, strings.Join(ports, ", "))
			}
			res := models.Resource{Type: "AwsEc2SecurityGroup", ID: sg.ARN, Details: map[string]string{"GroupName": sg.Name}}
			if !yield(a.finding(scope, ec2OpenAdminPort, res, status, desc)) {
				return
			}
		}
	}
}
