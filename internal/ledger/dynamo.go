package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps records in a DynamoDB table keyed by "fileid".
type DynamoStore struct {
	client   DynamoAPI
	table    string
	ownerIdx string
}

// NewDynamoStore creates a DynamoStore. When ownerIndex names a global
// secondary index on "username", listing queries it; otherwise listing
// scans the table with a filter.
func NewDynamoStore(client DynamoAPI, table, ownerIndex string) *DynamoStore {
	return &DynamoStore{client: client, table: table, ownerIdx: ownerIndex}
}

func fileKey(fileID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"fileid": &types.AttributeValueMemberS{Value: fileID},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoStore) Get(ctx context.Context, fileID string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            fileKey(fileID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", fileID, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("decode file %s: %w", fileID, err)
	}
	return &rec, nil
}

func (s *DynamoStore) Insert(ctx context.Context, rec Record) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("encode file %s: %w", rec.FileID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(fileid)"),
	})
	if isConditionFailed(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("dynamodb put %s: %w", rec.FileID, err)
	}
	return nil
}

func (s *DynamoStore) Update(ctx context.Context, fileID string, c Change) error {
	at, err := attributevalue.Marshal(c.At)
	if err != nil {
		return fmt.Errorf("encode timestamp: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 fileKey(fileID),
		UpdateExpression:    aws.String("SET #st = :to, jobid = :job, updated_at = :at"),
		ConditionExpression: aws.String("attribute_exists(fileid) AND #st = :from AND jobid = :fromjob"),
		ExpressionAttributeNames: map[string]string{
			"#st": "processed",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":      &types.AttributeValueMemberS{Value: string(c.To)},
			":from":    &types.AttributeValueMemberS{Value: string(c.From)},
			":fromjob": &types.AttributeValueMemberS{Value: c.FromJob},
			":job":     &types.AttributeValueMemberS{Value: c.JobHandle},
			":at":      at,
		},
	})
	if isConditionFailed(err) {
		if _, gerr := s.Get(ctx, fileID); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("dynamodb update %s: %w", fileID, err)
	}
	return nil
}

func (s *DynamoStore) ListByOwner(ctx context.Context, owner string) ([]Record, error) {
	names := map[string]string{"#owner": "username"}
	values := map[string]types.AttributeValue{
		":owner": &types.AttributeValueMemberS{Value: owner},
	}

	var items []map[string]types.AttributeValue
	if s.ownerIdx != "" {
		p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(s.ownerIdx),
			KeyConditionExpression:    aws.String("#owner = :owner"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("dynamodb query %s: %w", owner, err)
			}
			items = append(items, page.Items...)
		}
	} else {
		p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          aws.String("#owner = :owner"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ConsistentRead:            aws.Bool(true),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("dynamodb scan %s: %w", owner, err)
			}
			items = append(items, page.Items...)
		}
	}

	var recs []Record
	if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return recs, nil
}

func (s *DynamoStore) Delete(ctx context.Context, fileID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 fileKey(fileID),
		ConditionExpression: aws.String("attribute_exists(fileid)"),
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("dynamodb delete %s: %w", fileID, err)
	}
	return nil
}

// Ping describes the table with a short deadline.
func (s *DynamoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	return err
}
