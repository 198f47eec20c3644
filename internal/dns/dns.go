// Package dns provisions domain verification records into Route53 when the
// customer's zone is hosted there. Provisioning is best-effort: domains
// hosted elsewhere simply get the records returned for manual entry.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	appconfig "github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/ses"
)

// ErrZoneNotFound means no hosted zone in this account covers the domain
var ErrZoneNotFound = errors.New("no hosted zone found for domain")

// API is the subset of the Route53 client used here
type API interface {
	ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Provisioner writes verification records into Route53
type Provisioner struct {
	api API
}

// NewProvisioner creates a Route53 provisioner
func NewProvisioner(ctx context.Context, awsCfg appconfig.AWSConfig) (*Provisioner, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(awsCfg.Region),
	}
	if awsCfg.AccessKey != "" && awsCfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(awsCfg.AccessKey, awsCfg.SecretKey, "")))
	} else if profile := awsCfg.GetProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Provisioner{api: route53.NewFromConfig(cfg)}, nil
}

// NewProvisionerWithAPI wires an explicit client, for tests
func NewProvisionerWithAPI(api API) *Provisioner {
	return &Provisioner{api: api}
}

// FindZone locates the hosted zone covering domain, walking up parent
// domains so sub.example.com matches a zone for example.com.
func (p *Provisioner) FindZone(ctx context.Context, domain string) (string, error) {
	candidate := strings.TrimSuffix(domain, ".")
	for strings.Count(candidate, ".") >= 1 {
		out, err := p.api.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
			DNSName:  aws.String(candidate + "."),
			MaxItems: aws.Int32(1),
		})
		if err != nil {
			return "", fmt.Errorf("listing hosted zones: %w", err)
		}
		if len(out.HostedZones) > 0 && aws.ToString(out.HostedZones[0].Name) == candidate+"." {
			// Private zones are invisible to the public resolvers SES uses.
			if cfg := out.HostedZones[0].Config; cfg == nil || !cfg.PrivateZone {
				return strings.TrimPrefix(aws.ToString(out.HostedZones[0].Id), "/hostedzone/"), nil
			}
		}
		dot := strings.Index(candidate, ".")
		candidate = candidate[dot+1:]
	}
	return "", ErrZoneNotFound
}

// UpsertRecords writes all records into the zone in a single change batch
func (p *Provisioner) UpsertRecords(ctx context.Context, zoneID, domain string, records []ses.DNSRecord) error {
	changes := make([]r53types.Change, 0, len(records))
	for _, rec := range records {
		changes = append(changes, r53types.Change{
			Action: r53types.ChangeActionUpsert,
			ResourceRecordSet: &r53types.ResourceRecordSet{
				Name: aws.String(fqdn(rec.Name)),
				Type: r53types.RRType(rec.Type),
				TTL:  aws.Int64(300),
				ResourceRecords: []r53types.ResourceRecord{
					{Value: aws.String(recordValue(rec))},
				},
			},
		})
	}

	_, err := p.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: changes,
			Comment: aws.String("Managed by inbound for " + domain),
		},
	})
	if err != nil {
		return fmt.Errorf("upserting Route53 records: %w", err)
	}
	return nil
}

// Provision finds the covering zone and writes the records. Returns
// ErrZoneNotFound when the domain is not hosted in this account.
func (p *Provisioner) Provision(ctx context.Context, domain string, records []ses.DNSRecord) error {
	zoneID, err := p.FindZone(ctx, domain)
	if err != nil {
		return err
	}
	if err := p.UpsertRecords(ctx, zoneID, domain, records); err != nil {
		return err
	}
	log.Printf("[DNS] Provisioned %d records for %s in zone %s", len(records), domain, zoneID)
	return nil
}

// recordValue renders a record in Route53 value syntax: MX carries its
// priority inline and TXT values are quoted.
func recordValue(rec ses.DNSRecord) string {
	switch rec.Type {
	case "MX":
		return strconv.Itoa(rec.Priority) + " " + rec.Value
	case "TXT":
		return strconv.Quote(rec.Value)
	default:
		return rec.Value
	}
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
