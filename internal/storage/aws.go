package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "github.com/inboundemail/inbound/internal/config"
)

// S3API is the subset of the S3 client the raw archive uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// DynamoAPI is the subset of the DynamoDB client the snapshot store uses
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AWSStorage backs the archive with S3 and the snapshot history with DynamoDB
type AWSStorage struct {
	s3Client  S3API
	dynamoDB  DynamoAPI
	bucket    string
	tableName string
	prefix    string
}

// DynamoDBItem is the single-table layout for health snapshots: PK is the
// tenant, SK the snapshot timestamp, Data the JSON payload.
type DynamoDBItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Data      string `dynamodbav:"Data"`
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

const snapshotTTL = 90 * 24 * time.Hour

// NewAWSStorage creates an AWS storage backend
func NewAWSStorage(ctx context.Context, awsCfg appconfig.AWSConfig, storageCfg appconfig.StorageConfig) (*AWSStorage, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(awsCfg.Region),
	}
	if awsCfg.AccessKey != "" && awsCfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(awsCfg.AccessKey, awsCfg.SecretKey, "")))
	} else if profile := awsCfg.GetProfile(); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &AWSStorage{
		s3Client:  s3.NewFromConfig(cfg),
		dynamoDB:  dynamodb.NewFromConfig(cfg),
		bucket:    storageCfg.S3Bucket,
		tableName: storageCfg.DynamoDBTable,
		prefix:    storageCfg.S3Prefix,
	}, nil
}

// NewAWSStorageWithClients wires explicit clients, for tests
func NewAWSStorageWithClients(s3Client S3API, dynamoDB DynamoAPI, bucket, table, prefix string) *AWSStorage {
	return &AWSStorage{s3Client: s3Client, dynamoDB: dynamoDB, bucket: bucket, tableName: table, prefix: prefix}
}

// PutRaw stores raw message bytes under the archive prefix
func (s *AWSStorage) PutRaw(ctx context.Context, key string, data []byte) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("message/rfc822"),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}

// GetRaw fetches raw message bytes. A missing object returns nil, nil.
func (s *AWSStorage) GetRaw(ctx context.Context, key string) ([]byte, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return data, nil
}

// DeleteRaw removes an archived message
func (s *AWSStorage) DeleteRaw(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// objectKey prepends the archive prefix unless the key already carries it.
// Keys written by the SES receipt rule arrive fully qualified.
func (s *AWSStorage) objectKey(key string) string {
	if s.prefix == "" || strings.HasPrefix(key, s.prefix+"/") {
		return key
	}
	return s.prefix + "/" + key
}

// SaveSnapshot appends a tenant health snapshot with a 90 day TTL
func (s *AWSStorage) SaveSnapshot(ctx context.Context, snap *HealthSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	item := DynamoDBItem{
		PK:        "TENANT#" + snap.TenantID,
		SK:        snap.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Data:      string(data),
		Timestamp: snap.Timestamp.UTC().Format(time.RFC3339),
		TTL:       snap.Timestamp.Add(snapshotTTL).Unix(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}

	_, err = s.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

// GetSnapshots returns a tenant's snapshots within [from, to], oldest first
func (s *AWSStorage) GetSnapshots(ctx context.Context, tenantID string, from, to time.Time) ([]*HealthSnapshot, error) {
	result, err := s.dynamoDB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":pk":   &dynamotypes.AttributeValueMemberS{Value: "TENANT#" + tenantID},
			":from": &dynamotypes.AttributeValueMemberS{Value: from.UTC().Format("2006-01-02T15:04:05Z")},
			":to":   &dynamotypes.AttributeValueMemberS{Value: to.UTC().Format("2006-01-02T15:04:05Z")},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying DynamoDB: %w", err)
	}

	var snapshots []*HealthSnapshot
	for _, item := range result.Items {
		var dbItem DynamoDBItem
		if err := attributevalue.UnmarshalMap(item, &dbItem); err != nil {
			continue
		}
		var snap HealthSnapshot
		if err := json.Unmarshal([]byte(dbItem.Data), &snap); err != nil {
			continue
		}
		snapshots = append(snapshots, &snap)
	}
	return snapshots, nil
}
