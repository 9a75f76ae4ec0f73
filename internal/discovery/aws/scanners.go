package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/yairfalse/cellar/pkg/topology"
)

const (
	// elbTagBatch is the DescribeTags limit on resource ARNs per call.
	elbTagBatch = 20
	// route53TagBatch is the ListTagsForResources limit on resource IDs per call.
	route53TagBatch = 10
)

// scanVPC finds VPCs carrying the cell tag.
func (d *Discoverer) scanVPC(ctx context.Context, cell string) ([]topology.Registration, error) {
	var regs []topology.Registration
	var nextToken *string

	for {
		output, err := d.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
			Filters:   []ec2types.Filter{{Name: tagFilterName(d.tagKey), Values: []string{cell}}},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describe vpcs: %w", err)
		}

		for _, vpc := range output.Vpcs {
			regs = append(regs, d.registration(topology.VPC, d.vpcARN(aws.ToString(vpc.OwnerId), aws.ToString(vpc.VpcId)), cell))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return regs, nil
}

func (d *Discoverer) vpcARN(account, vpcID string) string {
	return arn.ARN{
		Partition: d.partition,
		Service:   "ec2",
		Region:    d.region,
		AccountID: account,
		Resource:  "vpc/" + vpcID,
	}.String()
}

// scanASG finds Auto Scaling groups carrying the cell tag.
func (d *Discoverer) scanASG(ctx context.Context, cell string) ([]topology.Registration, error) {
	var regs []topology.Registration
	var nextToken *string

	for {
		output, err := d.asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			Filters:   []asgtypes.Filter{{Name: tagFilterName(d.tagKey), Values: []string{cell}}},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describe auto scaling groups: %w", err)
		}

		for _, asg := range output.AutoScalingGroups {
			regs = append(regs, d.registration(topology.AutoScalingGroup, aws.ToString(asg.AutoScalingGroupARN), cell))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return regs, nil
}

// scanELB finds application and network load balancers carrying the cell tag.
func (d *Discoverer) scanELB(ctx context.Context, cell string) ([]topology.Registration, error) {
	var arns []string
	var marker *string

	for {
		output, err := d.elbClient.DescribeLoadBalancers(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe load balancers: %w", err)
		}

		for _, lb := range output.LoadBalancers {
			if lb.Type == elbtypes.LoadBalancerTypeEnumGateway {
				continue
			}
			arns = append(arns, aws.ToString(lb.LoadBalancerArn))
		}

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	var regs []topology.Registration
	for start := 0; start < len(arns); start += elbTagBatch {
		end := min(start+elbTagBatch, len(arns))
		output, err := d.elbClient.DescribeTags(ctx, &elasticloadbalancingv2.DescribeTagsInput{ResourceArns: arns[start:end]})
		if err != nil {
			return nil, fmt.Errorf("describe load balancer tags: %w", err)
		}
		for _, desc := range output.TagDescriptions {
			if d.tagged(elbTags(desc.Tags), cell) {
				regs = append(regs, d.registration(topology.ElasticLoadBalancer, aws.ToString(desc.ResourceArn), cell))
			}
		}
	}

	return regs, nil
}

func elbTags(tags []elbtypes.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

// scanEKS finds EKS clusters carrying the cell tag and registers their VPCs.
func (d *Discoverer) scanEKS(ctx context.Context, cell string) ([]topology.Registration, error) {
	var regs []topology.Registration
	var nextToken *string

	for {
		listOutput, err := d.eksClient.ListClusters(ctx, &eks.ListClustersInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list clusters: %w", err)
		}

		for _, clusterName := range listOutput.Clusters {
			descOutput, err := d.eksClient.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(clusterName)})
			if err != nil {
				return nil, fmt.Errorf("describe cluster %s: %w", clusterName, err)
			}
			cluster := descOutput.Cluster
			if cluster == nil || !d.tagged(cluster.Tags, cell) || cluster.ResourcesVpcConfig == nil {
				continue
			}
			parsed, err := arn.Parse(aws.ToString(cluster.Arn))
			if err != nil {
				return nil, fmt.Errorf("parse cluster arn %s: %w", aws.ToString(cluster.Arn), err)
			}
			regs = append(regs, d.registration(topology.VPC, d.vpcARN(parsed.AccountID, aws.ToString(cluster.ResourcesVpcConfig.VpcId)), cell))
		}

		if listOutput.NextToken == nil {
			break
		}
		nextToken = listOutput.NextToken
	}

	return regs, nil
}

// scanRDS finds Aurora and Multi-AZ DB clusters carrying the cell tag.
func (d *Discoverer) scanRDS(ctx context.Context, cell string) ([]topology.Registration, error) {
	var regs []topology.Registration
	var marker *string

	for {
		output, err := d.rdsClient.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe db clusters: %w", err)
		}

		for _, cluster := range output.DBClusters {
			if d.tagged(rdsTags(cluster.TagList), cell) {
				regs = append(regs, d.registration(topology.DBCluster, aws.ToString(cluster.DBClusterArn), cell))
			}
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return regs, nil
}

func rdsTags(tags []rdstypes.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

// scanSQS finds queues carrying the cell tag.
func (d *Discoverer) scanSQS(ctx context.Context, cell string) ([]topology.Registration, error) {
	var regs []topology.Registration
	var nextToken *string

	for {
		output, err := d.sqsClient.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}

		for _, queueURL := range output.QueueUrls {
			tags, err := d.sqsClient.ListQueueTags(ctx, &sqs.ListQueueTagsInput{QueueUrl: aws.String(queueURL)})
			if err != nil {
				return nil, fmt.Errorf("list queue tags %s: %w", queueURL, err)
			}
			if !d.tagged(tags.Tags, cell) {
				continue
			}
			attrs, err := d.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl:       aws.String(queueURL),
				AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
			})
			if err != nil {
				return nil, fmt.Errorf("get queue attributes %s: %w", queueURL, err)
			}
			queueARN := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
			if queueARN == "" {
				return nil, fmt.Errorf("queue %s has no arn", queueURL)
			}
			regs = append(regs, d.registration(topology.SQSQueue, queueARN, cell))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return regs, nil
}

// scanDynamoDB finds tables carrying the cell tag.
func (d *Discoverer) scanDynamoDB(ctx context.Context, cell string) ([]topology.Registration, error) {
	var regs []topology.Registration
	var lastKey *string

	for {
		output, err := d.dynamodbClient.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: lastKey})
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}

		for _, tableName := range output.TableNames {
			desc, err := d.dynamodbClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
			if err != nil {
				return nil, fmt.Errorf("describe table %s: %w", tableName, err)
			}
			tableARN := aws.ToString(desc.Table.TableArn)
			tags, err := d.tableTags(ctx, tableARN)
			if err != nil {
				return nil, err
			}
			if d.tagged(tags, cell) {
				regs = append(regs, d.registration(topology.DynamoDBTable, tableARN, cell))
			}
		}

		if output.LastEvaluatedTableName == nil {
			break
		}
		lastKey = output.LastEvaluatedTableName
	}

	return regs, nil
}

func (d *Discoverer) tableTags(ctx context.Context, tableARN string) (map[string]string, error) {
	out := make(map[string]string)
	var nextToken *string

	for {
		output, err := d.dynamodbClient.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{
			ResourceArn: aws.String(tableARN),
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list tags of %s: %w", tableARN, err)
		}
		for _, tag := range output.Tags {
			out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return out, nil
}

// scanRoute53 finds health checks carrying the cell tag.
func (d *Discoverer) scanRoute53(ctx context.Context, cell string) ([]topology.Registration, error) {
	var ids []string
	var marker *string

	for {
		output, err := d.route53Client.ListHealthChecks(ctx, &route53.ListHealthChecksInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list health checks: %w", err)
		}

		for _, hc := range output.HealthChecks {
			ids = append(ids, aws.ToString(hc.Id))
		}

		if !output.IsTruncated {
			break
		}
		marker = output.NextMarker
	}

	var regs []topology.Registration
	for start := 0; start < len(ids); start += route53TagBatch {
		end := min(start+route53TagBatch, len(ids))
		output, err := d.route53Client.ListTagsForResources(ctx, &route53.ListTagsForResourcesInput{
			ResourceType: r53types.TagResourceTypeHealthcheck,
			ResourceIds:  ids[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("list health check tags: %w", err)
		}
		for _, set := range output.ResourceTagSets {
			if d.tagged(route53Tags(set.Tags), cell) {
				regs = append(regs, d.registration(topology.Route53HealthCheck, d.healthCheckARN(aws.ToString(set.ResourceId)), cell))
			}
		}
	}

	return regs, nil
}

func route53Tags(tags []r53types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

// healthCheckARN builds the global ARN of a health check.
func (d *Discoverer) healthCheckARN(id string) string {
	return arn.ARN{
		Partition: d.partition,
		Service:   "route53",
		Resource:  "healthcheck/" + id,
	}.String()
}

