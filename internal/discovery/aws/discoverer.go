// Package aws discovers the resources of a cell by tag in one AWS region.
package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cellar/pkg/topology"
)

// Discoverer finds tagged resources in one region.
type Discoverer struct {
	region    string
	partition string
	tagKey    string

	// AWS clients (interfaces for testability)
	ec2Client      EC2API
	asgClient      AutoScalingAPI
	elbClient      ELBAPI
	eksClient      EKSAPI
	rdsClient      RDSAPI
	sqsClient      SQSAPI
	dynamodbClient DynamoDBAPI
	route53Client  Route53API
}

// Config holds discovery configuration.
type Config struct {
	Region    string
	Profile   string
	Partition string
	TagKey    string
}

// New creates a discoverer with clients built from the default credential chain.
func New(ctx context.Context, cfg Config) (*Discoverer, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	d := &Discoverer{
		ec2Client:      ec2.NewFromConfig(awsCfg),
		asgClient:      autoscaling.NewFromConfig(awsCfg),
		elbClient:      elasticloadbalancingv2.NewFromConfig(awsCfg),
		eksClient:      eks.NewFromConfig(awsCfg),
		rdsClient:      rds.NewFromConfig(awsCfg),
		sqsClient:      sqs.NewFromConfig(awsCfg),
		dynamodbClient: dynamodb.NewFromConfig(awsCfg),
		route53Client:  route53.NewFromConfig(awsCfg),
	}
	d.configure(cfg)
	return d, nil
}

func (d *Discoverer) configure(cfg Config) {
	d.region = cfg.Region
	d.partition = cfg.Partition
	if d.partition == "" {
		d.partition = "aws"
	}
	d.tagKey = cfg.TagKey
	if d.tagKey == "" {
		d.tagKey = "cellar:cell"
	}
}

// Region returns the region the discoverer queries.
func (d *Discoverer) Region() string {
	return d.region
}

type scanner struct {
	name  string
	types []topology.ResourceType
	fn    func(ctx context.Context, cell string) ([]topology.Registration, error)
}

func (d *Discoverer) scanners() []scanner {
	return []scanner{
		{"vpc", []topology.ResourceType{topology.VPC}, d.scanVPC},
		{"asg", []topology.ResourceType{topology.AutoScalingGroup}, d.scanASG},
		{"elb", []topology.ResourceType{topology.ElasticLoadBalancer}, d.scanELB},
		{"eks", []topology.ResourceType{topology.VPC}, d.scanEKS},
		{"rds", []topology.ResourceType{topology.DBCluster}, d.scanRDS},
		{"sqs", []topology.ResourceType{topology.SQSQueue}, d.scanSQS},
		{"dynamodb", []topology.ResourceType{topology.DynamoDBTable}, d.scanDynamoDB},
		{"route53", []topology.ResourceType{topology.Route53HealthCheck}, d.scanRoute53},
	}
}

// SupportedTypes returns the resource types discovery can find.
func (d *Discoverer) SupportedTypes() []topology.ResourceType {
	seen := make(map[topology.ResourceType]bool)
	var out []topology.ResourceType
	for _, s := range d.scanners() {
		for _, t := range s.types {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Discover returns a registration for every resource whose cell tag equals
// cell. An empty types list selects every supported type. Results are sorted
// by type and locator and contain no duplicates. Scanners the caller is not
// authorized to run are skipped; any other failure is returned.
func (d *Discoverer) Discover(ctx context.Context, cell string, types []topology.ResourceType) ([]topology.Registration, error) {
	want := make(map[topology.ResourceType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	var (
		mu   sync.Mutex
		regs []topology.Registration
		errs []error
		wg   sync.WaitGroup
	)

	for _, s := range d.scanners() {
		if len(want) > 0 && !selected(s.types, want) {
			continue
		}
		wg.Add(1)
		go func(s scanner) {
			defer wg.Done()
			result, err := s.fn(ctx, cell)
			if err != nil {
				if isAccessDenied(err) {
					log.Warn().Err(err).Str("scanner", s.name).Str("region", d.region).Msg("discovery not permitted, skipping")
					return
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			regs = append(regs, result...)
			mu.Unlock()
			log.Debug().Str("scanner", s.name).Str("cell", cell).Int("count", len(result)).Msg("discovery complete")
		}(s)
	}

	wg.Wait()

	if len(errs) > 0 {
		return nil, fmt.Errorf("discover cell %s in %s: %w", cell, d.region, errors.Join(errs...))
	}
	return normalize(regs), nil
}

func selected(types []topology.ResourceType, want map[topology.ResourceType]bool) bool {
	for _, t := range types {
		if want[t] {
			return true
		}
	}
	return false
}

// normalize sorts registrations and drops repeats, such as a VPC found both
// directly and through its EKS cluster.
func normalize(regs []topology.Registration) []topology.Registration {
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Type != regs[j].Type {
			return regs[i].Type < regs[j].Type
		}
		return regs[i].Locator < regs[j].Locator
	})

	out := regs[:0]
	for i, r := range regs {
		if i > 0 && r == regs[i-1] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// isAccessDenied reports whether err is an authorization failure.
func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation", "AuthorizationError":
			return true
		}
	}
	return false
}

func (d *Discoverer) registration(t topology.ResourceType, arn, cell string) topology.Registration {
	return topology.Registration{Type: t, Locator: arn, Cell: cell}
}

// tagged reports whether the cell tag is present with the given value.
func (d *Discoverer) tagged(tags map[string]string, cell string) bool {
	v, ok := tags[d.tagKey]
	return ok && v == cell
}

func tagFilterName(key string) *string {
	return aws.String("tag:" + key)
}
