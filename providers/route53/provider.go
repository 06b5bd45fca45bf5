// Package route53 implements the provider backend for AWS Route 53 using
// aws-sdk-go-v2.
//
// Route 53 has no per-record identifiers: records live in resource record
// sets mutated via change batches. The backend synthesizes an external id
// from the record's type, name and value so deletes can rebuild the exact
// record set to remove.
package route53

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsroute53 "github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
	"github.com/trafegodns/trafegodns/pkg/provider"
)

// Type is the backend type name used in configuration and routing.
const Type = "route53"

// defaultTTL replaces the TTL-auto sentinel; Route 53 has no automatic TTL.
const defaultTTL = 300

// changeBatchAPI is the slice of the Route 53 client the backend uses,
// extracted for tests.
type changeBatchAPI interface {
	ListHostedZonesByName(ctx context.Context, params *awsroute53.ListHostedZonesByNameInput, optFns ...func(*awsroute53.Options)) (*awsroute53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, params *awsroute53.ListResourceRecordSetsInput, optFns ...func(*awsroute53.Options)) (*awsroute53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *awsroute53.ChangeResourceRecordSetsInput, optFns ...func(*awsroute53.Options)) (*awsroute53.ChangeResourceRecordSetsOutput, error)
}

// Backend implements provider.API for one Route 53 hosted zone.
type Backend struct {
	name   string
	cfg    *Config
	client changeBatchAPI
	zone   string
	zoneID string
	logger *slog.Logger
}

// Option is a functional option for configuring the Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// withClient replaces the AWS client, for tests.
func withClient(c changeBatchAPI) Option {
	return func(b *Backend) {
		b.client = c
	}
}

// New creates a Route 53 backend.
func New(ctx context.Context, name string, cfg *Config, opts ...Option) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("route53: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{
		name:   name,
		cfg:    cfg,
		zone:   dnsrecord.Normalize(cfg.Zone),
		zoneID: cfg.ZoneID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
		}
		awscfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("route53: loading AWS config: %w", err)
		}
		b.client = awsroute53.NewFromConfig(awscfg)
	}
	return b, nil
}

// Factory returns a provider.Factory building Route 53 backends from a flat
// configuration map.
func Factory(logger *slog.Logger) provider.Factory {
	return func(name string, config map[string]string) (provider.API, error) {
		cfg := &Config{
			Zone:            config["zone"],
			ZoneID:          config["zone_id"],
			Region:          config["region"],
			AccessKeyID:     config["access_key_id"],
			SecretAccessKey: config["secret_access_key"],
			SessionToken:    config["session_token"],
		}
		return New(context.Background(), name, cfg, WithLogger(logger))
	}
}

// Init resolves the hosted zone id.
func (b *Backend) Init(ctx context.Context) error {
	if b.zoneID != "" {
		return nil
	}
	out, err := b.client.ListHostedZonesByName(ctx, &awsroute53.ListHostedZonesByNameInput{
		DNSName:  aws.String(b.zone + "."),
		MaxItems: aws.Int32(1),
	})
	if err != nil {
		return classify(b.name, "init", err)
	}
	for _, zone := range out.HostedZones {
		if dnsrecord.Normalize(aws.ToString(zone.Name)) == b.zone {
			b.zoneID = strings.TrimPrefix(aws.ToString(zone.Id), "/hostedzone/")
			return nil
		}
	}
	return provider.NewError(provider.KindMisconfiguredZone, b.name, "init",
		fmt.Errorf("hosted zone %q not found", b.zone))
}

// ZoneName returns the zone apex.
func (b *Backend) ZoneName() string { return b.zone }

// ListRecords returns every supported record set in the zone.
func (b *Backend) ListRecords(ctx context.Context) ([]dnsrecord.ProviderRecord, error) {
	var out []dnsrecord.ProviderRecord

	input := &awsroute53.ListResourceRecordSetsInput{
		HostedZoneId: aws.String(b.zoneID),
		MaxItems:     aws.Int32(300),
	}
	for {
		page, err := b.client.ListResourceRecordSets(ctx, input)
		if err != nil {
			return nil, classify(b.name, "list", err)
		}
		for _, rrset := range page.ResourceRecordSets {
			out = append(out, toRecords(rrset)...)
		}
		if !page.IsTruncated {
			break
		}
		input.StartRecordName = page.NextRecordName
		input.StartRecordType = page.NextRecordType
		input.StartRecordIdentifier = page.NextRecordIdentifier
	}
	return out, nil
}

// CreateRecord upserts the record set for the desired record.
func (b *Backend) CreateRecord(ctx context.Context, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	if err := b.change(ctx, r53types.ChangeActionUpsert, d); err != nil {
		return dnsrecord.ProviderRecord{}, classify(b.name, "create", err)
	}
	rec := dnsrecord.ProviderRecord{Desired: normalizeTTL(d), ExternalID: externalID(d)}
	rec.Fingerprint = rec.Desired.Fingerprint()
	return rec, nil
}

// UpdateRecord removes the old record set and upserts the new one. Route 53
// UPSERT replaces the whole set, so name or type changes need the explicit
// delete.
func (b *Backend) UpdateRecord(ctx context.Context, externalIDStr string, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	old, err := parseExternalID(externalIDStr)
	if err != nil {
		return dnsrecord.ProviderRecord{}, provider.NewError(provider.KindNotFound, b.name, "update", err)
	}
	if old.Name != d.Name || old.Type != d.Type {
		if err := b.change(ctx, r53types.ChangeActionDelete, old); err != nil && !provider.IsNotFound(classify(b.name, "update", err)) {
			return dnsrecord.ProviderRecord{}, classify(b.name, "update", err)
		}
	}
	if err := b.change(ctx, r53types.ChangeActionUpsert, d); err != nil {
		return dnsrecord.ProviderRecord{}, classify(b.name, "update", err)
	}
	rec := dnsrecord.ProviderRecord{Desired: normalizeTTL(d), ExternalID: externalID(d)}
	rec.Fingerprint = rec.Desired.Fingerprint()
	return rec, nil
}

// DeleteRecord removes the record set encoded in the external id.
func (b *Backend) DeleteRecord(ctx context.Context, externalIDStr string) error {
	d, err := parseExternalID(externalIDStr)
	if err != nil {
		return provider.NewError(provider.KindNotFound, b.name, "delete", err)
	}
	if err := b.change(ctx, r53types.ChangeActionDelete, d); err != nil {
		return classify(b.name, "delete", err)
	}
	return nil
}

func (b *Backend) change(ctx context.Context, action r53types.ChangeAction, d dnsrecord.Desired) error {
	d = normalizeTTL(d)
	_, err := b.client.ChangeResourceRecordSets(ctx, &awsroute53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(b.zoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{{
				Action:            action,
				ResourceRecordSet: toRRSet(d),
			}},
		},
	})
	return err
}

// NormalizeRecord substitutes the concrete TTL the zone will store, so the
// batch logic compares against what a later list returns.
func (b *Backend) NormalizeRecord(d dnsrecord.Desired) dnsrecord.Desired {
	return normalizeTTL(d)
}

// normalizeTTL replaces the TTL-auto sentinel; Route 53 requires a real TTL.
func normalizeTTL(d dnsrecord.Desired) dnsrecord.Desired {
	if d.TTL == dnsrecord.TTLAuto {
		d.TTL = defaultTTL
	}
	d.Proxied = nil // no front-proxy concept
	return d
}

func toRRSet(d dnsrecord.Desired) *r53types.ResourceRecordSet {
	return &r53types.ResourceRecordSet{
		Name:            aws.String(d.Name + "."),
		Type:            r53types.RRType(d.Type),
		TTL:             aws.Int64(int64(d.TTL)),
		ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(recordValue(d))}},
	}
}

// recordValue renders the desired record into Route 53's value syntax:
// quoted strings for TXT, "priority target" for MX, full quad for SRV.
func recordValue(d dnsrecord.Desired) string {
	switch d.Type {
	case dnsrecord.TypeTXT:
		return strconv.Quote(d.Content)
	case dnsrecord.TypeMX:
		return fmt.Sprintf("%d %s", d.Priority, d.Content)
	case dnsrecord.TypeSRV:
		return fmt.Sprintf("%d %d %d %s", d.Priority, d.Weight, d.Port, d.Content)
	case dnsrecord.TypeCAA:
		return fmt.Sprintf("%d %s %s", d.Flags, d.Tag, strconv.Quote(d.Content))
	default:
		return d.Content
	}
}

// toRecords converts one record set into canonical records, one per value.
func toRecords(rrset r53types.ResourceRecordSet) []dnsrecord.ProviderRecord {
	typ, err := dnsrecord.ParseType(string(rrset.Type))
	if err != nil {
		return nil
	}
	name := dnsrecord.Normalize(strings.ReplaceAll(aws.ToString(rrset.Name), `\052`, "*"))
	ttl := int(aws.ToInt64(rrset.TTL))

	var out []dnsrecord.ProviderRecord
	for _, rr := range rrset.ResourceRecords {
		d := dnsrecord.Desired{Type: typ, Name: name, TTL: ttl}
		if !parseValue(&d, aws.ToString(rr.Value)) {
			continue
		}
		rec := dnsrecord.ProviderRecord{Desired: d, ExternalID: externalID(d)}
		rec.Fingerprint = d.Fingerprint()
		out = append(out, rec)
	}
	return out
}

func parseValue(d *dnsrecord.Desired, value string) bool {
	switch d.Type {
	case dnsrecord.TypeTXT:
		unquoted, err := strconv.Unquote(value)
		if err != nil {
			unquoted = value
		}
		d.Content = unquoted
	case dnsrecord.TypeMX:
		var prio uint16
		var target string
		if _, err := fmt.Sscanf(value, "%d %s", &prio, &target); err != nil {
			return false
		}
		d.Priority = prio
		d.Content = dnsrecord.Normalize(target)
	case dnsrecord.TypeSRV:
		var prio, weight, port uint16
		var target string
		if _, err := fmt.Sscanf(value, "%d %d %d %s", &prio, &weight, &port, &target); err != nil {
			return false
		}
		d.Priority, d.Weight, d.Port = prio, weight, port
		d.Content = dnsrecord.Normalize(target)
	case dnsrecord.TypeCAA:
		var flags uint8
		var tag, quoted string
		if _, err := fmt.Sscanf(value, "%d %s %s", &flags, &tag, &quoted); err != nil {
			return false
		}
		unquoted, err := strconv.Unquote(quoted)
		if err != nil {
			unquoted = quoted
		}
		d.Flags, d.Tag, d.Content = flags, tag, unquoted
	default:
		d.Content = value
	}
	return true
}

// externalID encodes enough of a record to rebuild its record set for
// deletion.
func externalID(d dnsrecord.Desired) string {
	d = normalizeTTL(d)
	return strings.Join([]string{
		string(d.Type), d.Name, recordValue(d), strconv.Itoa(d.TTL),
	}, "\x1f")
}

func parseExternalID(id string) (dnsrecord.Desired, error) {
	parts := strings.Split(id, "\x1f")
	if len(parts) != 4 {
		return dnsrecord.Desired{}, fmt.Errorf("malformed external id %q", id)
	}
	typ, err := dnsrecord.ParseType(parts[0])
	if err != nil {
		return dnsrecord.Desired{}, err
	}
	ttl, err := strconv.Atoi(parts[3])
	if err != nil {
		return dnsrecord.Desired{}, fmt.Errorf("malformed external id ttl %q", parts[3])
	}
	d := dnsrecord.Desired{Type: typ, Name: parts[1], TTL: ttl}
	if !parseValue(&d, parts[2]) {
		return dnsrecord.Desired{}, fmt.Errorf("malformed external id value %q", parts[2])
	}
	return d, nil
}

// classify maps AWS API failures onto the provider error taxonomy.
func classify(name, op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "Throttling", "ThrottlingException", "PriorRequestNotComplete":
			return provider.NewError(provider.KindRateLimited, name, op, err)
		case "AccessDenied", "AccessDeniedException", "InvalidClientTokenId",
			"UnrecognizedClientException", "SignatureDoesNotMatch", "ExpiredToken":
			return provider.NewError(provider.KindAuthFailed, name, op, err)
		case "NoSuchHostedZone":
			return provider.NewError(provider.KindMisconfiguredZone, name, op, err)
		case "InvalidChangeBatch":
			msg := apiErr.ErrorMessage()
			if strings.Contains(msg, "not found") {
				return provider.NewError(provider.KindNotFound, name, op, err)
			}
			if strings.Contains(msg, "already exists") {
				return provider.NewError(provider.KindConflict, name, op, err)
			}
			return provider.NewError(provider.KindValidationFailed, name, op, err)
		}
	}
	return provider.NewError(provider.KindNetworkFailed, name, op, err)
}
