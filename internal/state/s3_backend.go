package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

// s3Backend implements Backend for AWS S3 + optional DynamoDB locking.
type s3Backend struct {
	bucket        string
	key           string
	region        string
	dynamoDBTable string
	encrypt       bool
	profile       string

	evaluator *eval.Evaluator
	s3Client  *s3.Client
	dbClient  *dynamodb.Client
}

func newS3Backend(config map[string]string, evaluator *eval.Evaluator) (Backend, error) {
	bucket := config["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	key := config["key"]
	if key == "" {
		key = "stackform/state.pkl"
	}

	region := config["region"]
	if region == "" {
		region = "us-east-1"
	}

	b := &s3Backend{
		bucket:        bucket,
		key:           key,
		region:        region,
		dynamoDBTable: config["dynamodb_table"],
		encrypt:       config["encrypt"] == "true",
		profile:       config["profile"],
		evaluator:     evaluator,
	}

	if err := b.initClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}

	return b, nil
}

func (b *s3Backend) initClients() error {
	ctx := context.Background()

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(b.region))
	if b.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	b.s3Client = s3.NewFromConfig(cfg)

	if b.dynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(cfg)
	}

	return nil
}

func (b *s3Backend) Snapshot(ctx context.Context) (*ir.State, int, error) {
	st, err := b.read(ctx)
	if err != nil {
		return nil, 0, err
	}
	return st, st.Serial, nil
}

func (b *s3Backend) Read(ctx context.Context) (*ir.State, error) {
	return b.read(ctx)
}

func (b *s3Backend) read(ctx context.Context) (*ir.State, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		// If the object doesn't exist, return empty state
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return &ir.State{Version: 1, Serial: 0}, nil
		}
		// Also handle 404 via the error message for S3 API variations
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return &ir.State{Version: 1, Serial: 0}, nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", b.bucket, b.key, err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	content := buf.Bytes()

	if IsEncrypted(content) {
		decrypted, err := DecryptState(content)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt remote state: %w", err)
		}
		content = decrypted
	}

	// Write to a temporary file so the Pkl evaluator can parse it
	tmpFile, err := os.CreateTemp("", "stackform-state-*.pkl")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(content); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("failed to write temp state file: %w", err)
	}
	tmpFile.Close()

	// The amends clause needs the schema next to the state file.
	if err := ensureSchema(os.TempDir()); err != nil {
		return nil, err
	}

	state, err := b.evaluator.LoadState(ctx, tmpFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}

	return state, nil
}

func (b *s3Backend) Commit(ctx context.Context, state *ir.State, expectedSerial int) error {
	current, err := b.read(ctx)
	if err != nil {
		return err
	}
	if current.Serial != expectedSerial {
		return &VersionConflictError{Expected: expectedSerial, Actual: current.Serial}
	}
	if current.Lineage != "" && state.Lineage != "" && current.Lineage != state.Lineage {
		return fmt.Errorf("state lineage mismatch: stored %q, committing %q", current.Lineage, state.Lineage)
	}
	if state.Lineage == "" {
		if current.Lineage != "" {
			state.Lineage = current.Lineage
		} else {
			state.Lineage = uuid.NewString()
		}
	}

	state.Serial = expectedSerial + 1
	return b.Write(ctx, state)
}

func (b *s3Backend) Write(ctx context.Context, state *ir.State) error {
	content := SerializeState(state)

	data := []byte(content)
	encrypted, err := EncryptState(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Body:   bytes.NewReader(encrypted),
	}
	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", b.bucket, b.key, err)
	}

	return nil
}

// Lock acquires a lease via a DynamoDB conditional put. An existing item is
// taken over only when its lease has expired. Without a DynamoDB table
// configured locking is a no-op.
func (b *s3Backend) Lock(info *LockInfo) (string, error) {
	if b.dynamoDBTable == "" {
		return "", nil
	}

	if info == nil {
		info = &LockInfo{}
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Who == "" {
		host, _ := os.Hostname()
		info.Who = fmt.Sprintf("%s@pid-%d", host, os.Getpid())
	}
	if info.TTL <= 0 {
		info.TTL = DefaultLockTTL
	}
	info.Created = time.Now().UTC()

	ctx := context.Background()
	for attempt := 0; attempt < 2; attempt++ {
		_, err := b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(b.dynamoDBTable),
			Item: map[string]dbtypes.AttributeValue{
				"LockID":  &dbtypes.AttributeValueMemberS{Value: b.key},
				"ID":      &dbtypes.AttributeValueMemberS{Value: info.ID},
				"Who":     &dbtypes.AttributeValueMemberS{Value: info.Who},
				"Created": &dbtypes.AttributeValueMemberS{Value: info.Created.Format(time.RFC3339)},
				"TTL":     &dbtypes.AttributeValueMemberN{Value: strconv.Itoa(int(info.TTL.Seconds()))},
			},
			ConditionExpression: aws.String("attribute_not_exists(LockID)"),
		})
		if err == nil {
			return info.ID, nil
		}
		if !strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return "", fmt.Errorf("failed to acquire lock: %w", err)
		}

		holder, herr := b.lockHolder(ctx)
		if herr != nil {
			return "", herr
		}
		if holder == nil {
			// Lost a race with an unlock; retry the put.
			continue
		}
		if !holder.Expired() {
			return "", &LockBusyError{Holder: holder.Who, Created: holder.Created}
		}

		logging.Warn("taking over expired state lock", "holder", holder.Who, "created", holder.Created)
		if err := b.deleteLease(ctx, holder.ID); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("failed to acquire lock on %q: contention on DynamoDB table %q", b.key, b.dynamoDBTable)
}

// Renew refreshes the lease timestamp, failing if the lease is no longer
// held under the given ID.
func (b *s3Backend) Renew(id string) error {
	if b.dynamoDBTable == "" {
		return nil
	}

	_, err := b.dbClient.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
		},
		UpdateExpression:    aws.String("SET Created = :now"),
		ConditionExpression: aws.String("ID = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			":id":  &dbtypes.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("lock lease %s no longer held", id)
		}
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	return nil
}

// Unlock releases the lease. A lease that is already gone or held by someone
// else is left alone.
func (b *s3Backend) Unlock(id string) error {
	if b.dynamoDBTable == "" {
		return nil
	}
	if err := b.deleteLease(context.Background(), id); err != nil {
		return err
	}
	return nil
}

// LockHolder returns the current lease item, or nil when unlocked.
func (b *s3Backend) LockHolder() (*LockInfo, error) {
	if b.dynamoDBTable == "" {
		return nil, nil
	}
	return b.lockHolder(context.Background())
}

// ForceUnlock deletes the lock item regardless of the holder.
func (b *s3Backend) ForceUnlock() error {
	if b.dynamoDBTable == "" {
		return nil
	}
	_, err := b.dbClient.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (b *s3Backend) deleteLease(ctx context.Context, id string) error {
	_, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
		},
		ConditionExpression: aws.String("ID = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":id": &dbtypes.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil && !strings.Contains(err.Error(), "ConditionalCheckFailedException") {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (b *s3Backend) lockHolder(ctx context.Context) (*LockInfo, error) {
	out, err := b.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.dynamoDBTable),
		ConsistentRead: aws.Bool(true),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read lock item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	info := &LockInfo{TTL: DefaultLockTTL}
	if v, ok := out.Item["ID"].(*dbtypes.AttributeValueMemberS); ok {
		info.ID = v.Value
	}
	if v, ok := out.Item["Who"].(*dbtypes.AttributeValueMemberS); ok {
		info.Who = v.Value
	}
	if v, ok := out.Item["Created"].(*dbtypes.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			info.Created = t
		}
	}
	if v, ok := out.Item["TTL"].(*dbtypes.AttributeValueMemberN); ok {
		if secs, err := strconv.Atoi(v.Value); err == nil && secs > 0 {
			info.TTL = time.Duration(secs) * time.Second
		}
	}
	return info, nil
}
