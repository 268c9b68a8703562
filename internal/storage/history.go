package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/repricer/internal/domain"
)

// sortKeyLayout is fixed width so lexical order matches time order.
const sortKeyLayout = "2006-01-02T15:04:05.000000000Z"

// observationItem is a price observation as stored in DynamoDB.
type observationItem struct {
	PK           string  `dynamodbav:"PK"`
	SK           string  `dynamodbav:"SK"`
	ASIN         string  `dynamodbav:"ASIN"`
	SellerID     string  `dynamodbav:"SellerID"`
	Price        float64 `dynamodbav:"Price"`
	BuyBoxWinner bool    `dynamodbav:"BuyBoxWinner"`
	Stock        int     `dynamodbav:"Stock"`
	ObservedAt   string  `dynamodbav:"ObservedAt"`
	TTL          int64   `dynamodbav:"TTL,omitempty"`
}

// PriceHistory implements engine.PriceHistory on a DynamoDB table keyed by
// (PK = COMPETITOR#asin#seller, SK = observation time).
type PriceHistory struct {
	client    ItemStore
	tableName string
	ttl       time.Duration
}

// NewPriceHistory creates a price history over tableName. ttlDays <= 0
// keeps observations forever.
func NewPriceHistory(client ItemStore, tableName string, ttlDays int) *PriceHistory {
	var ttl time.Duration
	if ttlDays > 0 {
		ttl = time.Duration(ttlDays) * 24 * time.Hour
	}
	return &PriceHistory{client: client, tableName: tableName, ttl: ttl}
}

func partitionKey(asin, sellerID string) string {
	return fmt.Sprintf("COMPETITOR#%s#%s", asin, sellerID)
}

// RecordObservation stores one poll result.
func (h *PriceHistory) RecordObservation(ctx context.Context, obs domain.PriceObservation) error {
	at := obs.ObservedAt.UTC()
	item := observationItem{
		PK:           partitionKey(obs.ASIN, obs.SellerID),
		SK:           at.Format(sortKeyLayout),
		ASIN:         obs.ASIN,
		SellerID:     obs.SellerID,
		Price:        obs.Price,
		BuyBoxWinner: obs.BuyBoxWinner,
		Stock:        obs.Stock,
		ObservedAt:   at.Format(time.RFC3339Nano),
	}
	if h.ttl > 0 {
		item.TTL = at.Add(h.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = h.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(h.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

// History returns observations at or after since, oldest first.
func (h *PriceHistory) History(ctx context.Context, asin, sellerID string, since time.Time) ([]domain.PriceObservation, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(h.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: partitionKey(asin, sellerID)},
			":since": &types.AttributeValueMemberS{Value: since.UTC().Format(sortKeyLayout)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	out := []domain.PriceObservation{}
	for {
		result, err := h.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying DynamoDB: %w", err)
		}
		for _, av := range result.Items {
			var item observationItem
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return nil, fmt.Errorf("unmarshaling item: %w", err)
			}
			observed, err := time.Parse(time.RFC3339Nano, item.ObservedAt)
			if err != nil {
				return nil, fmt.Errorf("parsing observation time %q: %w", item.ObservedAt, err)
			}
			out = append(out, domain.PriceObservation{
				ASIN:         item.ASIN,
				SellerID:     item.SellerID,
				Price:        item.Price,
				BuyBoxWinner: item.BuyBoxWinner,
				Stock:        item.Stock,
				ObservedAt:   observed,
			})
		}
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return out, nil
}
