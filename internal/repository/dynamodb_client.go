package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
)

const (
	skPrefixMsg  = "MSG#"
	skPrefixMood = "MOOD#"
	skMeta       = "META#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding relay transcripts and mood entries.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

func moodSK(ts time.Time) string {
	return skPrefixMood + ts.UTC().Format(time.RFC3339Nano)
}

func ttlAt(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// GetHistory returns up to limit turns of a conversation in chronological order.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	items, err := c.queryPrefix(ctx, conversationID, skPrefixMsg, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// GetConversationMeta returns the stored aggregate, or a zero meta when none exists.
func (c *Client) GetConversationMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationMeta{}, fmt.Errorf("repository: GetConversationMeta get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationMeta{ConversationID: conversationID}, nil
	}

	turns, err := optionalIntAttr(out.Item, "turns")
	if err != nil {
		return domain.ConversationMeta{}, fmt.Errorf("repository: GetConversationMeta decode turns: %w", err)
	}
	crisis, err := optionalIntAttr(out.Item, "crisisTurns")
	if err != nil {
		return domain.ConversationMeta{}, fmt.Errorf("repository: GetConversationMeta decode crisisTurns: %w", err)
	}
	ended := false
	if _, ok := out.Item["ended"]; ok {
		if ended, err = boolAttr(out.Item, "ended"); err != nil {
			return domain.ConversationMeta{}, fmt.Errorf("repository: GetConversationMeta decode ended: %w", err)
		}
	}
	last, _ := strAttr(out.Item, "lastActivity")
	endedAt, _ := strAttr(out.Item, "endedAt")
	return domain.ConversationMeta{
		PK:             convPK(conversationID),
		SK:             skMeta,
		ConversationID: conversationID,
		LastActivity:   last,
		Turns:          turns,
		CrisisTurns:    crisis,
		Ended:          ended,
		EndedAt:        endedAt,
	}, nil
}

// EndConversation marks the conversation ended, creating its meta item when
// the conversation never completed a turn. Turns are kept until their TTL.
func (c *Client) EndConversation(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("repository: EndConversation: conversation id is required")
	}
	now := c.now().UTC()
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String("SET ended = :ended, endedAt = :now, lastActivity = :now, conversationId = :id, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ended": &types.AttributeValueMemberBOOL{Value: true},
			":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":id":    &types.AttributeValueMemberS{Value: conversationID},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlAt(now), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: EndConversation: %w", err)
	}
	return nil
}

// SaveTurn writes a turn and the updated metadata in one transaction.
func (c *Client) SaveTurn(ctx context.Context, turn domain.Turn, meta domain.ConversationMeta) error {
	if turn.PK == "" || turn.SK == "" {
		return errors.New("repository: SaveTurn: turn PK and SK are required")
	}
	if meta.PK == "" || meta.SK == "" {
		return errors.New("repository: SaveTurn: meta PK and SK are required")
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      metaItem(meta),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// SaveCompletedTurn persists a delivered reply and bumps the conversation counters.
func (c *Client) SaveCompletedTurn(ctx context.Context, turn domain.Turn) error {
	if strings.TrimSpace(turn.ConversationID) == "" {
		return errors.New("repository: SaveCompletedTurn: conversation id is required")
	}
	meta, err := c.GetConversationMeta(ctx, turn.ConversationID)
	if err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn: %w", err)
	}

	stored := c.NewTurn(turn.ConversationID, turn.Message, statusComplete)
	stored.Reply = turn.Reply
	stored.Sentiment = turn.Sentiment
	stored.Crisis = turn.Crisis

	meta = c.NewConversationMeta(turn.ConversationID, meta.Turns+1, meta.CrisisTurns)
	if turn.Crisis {
		meta.CrisisTurns++
	}

	if err := c.SaveTurn(ctx, stored, meta); err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn: %w", err)
	}
	return nil
}

const statusComplete = "complete"

// NewTurn constructs a Turn with PK/SK/TTL set from conversationID and the current time.
func (c *Client) NewTurn(conversationID, message, status string) domain.Turn {
	now := c.now().UTC()
	return domain.Turn{
		PK:             convPK(conversationID),
		SK:             msgSK(now),
		ConversationID: conversationID,
		Message:        message,
		Status:         status,
		TTL:            ttlAt(now),
	}
}

// NewConversationMeta constructs a ConversationMeta record.
func (c *Client) NewConversationMeta(conversationID string, turns, crisisTurns int) domain.ConversationMeta {
	now := c.now().UTC()
	return domain.ConversationMeta{
		PK:             convPK(conversationID),
		SK:             skMeta,
		ConversationID: conversationID,
		LastActivity:   now.Format(time.RFC3339),
		Turns:          turns,
		CrisisTurns:    crisisTurns,
		TTL:            ttlAt(now),
	}
}

// SaveMoodEntry stores a mood entry and returns it with its keys filled in.
func (c *Client) SaveMoodEntry(ctx context.Context, conversationID string, level int, notes string) (domain.MoodEntry, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.MoodEntry{}, errors.New("repository: SaveMoodEntry: conversation id is required")
	}
	if !domain.ValidMoodLevel(level) {
		return domain.MoodEntry{}, fmt.Errorf("repository: SaveMoodEntry: invalid mood level %d", level)
	}
	now := c.now().UTC()
	entry := domain.MoodEntry{
		PK:             convPK(conversationID),
		SK:             moodSK(now),
		ConversationID: conversationID,
		Level:          level,
		Notes:          notes,
		CreatedAt:      now,
		TTL:            ttlAt(now),
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                moodItem(entry),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.MoodEntry{}, fmt.Errorf("repository: SaveMoodEntry: %w", err)
	}
	return entry, nil
}

// ListMoodEntries returns up to limit entries, newest first.
func (c *Client) ListMoodEntries(ctx context.Context, conversationID string, limit int) ([]domain.MoodEntry, error) {
	items, err := c.queryPrefix(ctx, conversationID, skPrefixMood, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMoodEntries query: %w", err)
	}
	entries := make([]domain.MoodEntry, 0, len(items))
	for _, item := range items {
		entry, err := itemToMood(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMoodEntries unmarshal: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteMoodEntry removes one mirrored entry. Deleting a missing entry is not an error.
func (c *Client) DeleteMoodEntry(ctx context.Context, conversationID, entryKey string) error {
	if !strings.HasPrefix(entryKey, skPrefixMood) {
		return fmt.Errorf("repository: DeleteMoodEntry: %q is not a mood entry key", entryKey)
	}
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: entryKey},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteMoodEntry: %w", err)
	}
	return nil
}

func (c *Client) queryPrefix(ctx context.Context, conversationID, prefix string, limit int) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		// Read newest first so LIMIT favors the most recent items.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Items, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Turn{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Turn{}, err
	}
	message, err := strAttr(item, "message")
	if err != nil {
		return domain.Turn{}, err
	}
	reply, _ := strAttr(item, "reply")   // allow empty
	status, _ := strAttr(item, "status") // allow empty
	convID, _ := strAttr(item, "conversationId")
	crisis, _ := boolAttr(item, "crisis")
	sentiment, err := optionalFloatAttr(item, "sentiment")
	if err != nil {
		return domain.Turn{}, err
	}

	return domain.Turn{
		PK:             pk,
		SK:             sk,
		ConversationID: convID,
		Message:        message,
		Reply:          reply,
		Sentiment:      sentiment,
		Crisis:         crisis,
		Status:         status,
	}, nil
}

func itemToMood(item map[string]types.AttributeValue) (domain.MoodEntry, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.MoodEntry{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.MoodEntry{}, err
	}
	level, err := intAttr(item, "level")
	if err != nil {
		return domain.MoodEntry{}, err
	}
	notes, _ := strAttr(item, "notes")
	convID, _ := strAttr(item, "conversationId")
	created, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(sk, skPrefixMood))
	if err != nil {
		return domain.MoodEntry{}, fmt.Errorf("repository: mood key %q: %w", sk, err)
	}
	return domain.MoodEntry{
		PK:             pk,
		SK:             sk,
		ConversationID: convID,
		Level:          level,
		Notes:          notes,
		CreatedAt:      created,
	}, nil
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: turn.PK},
		"SK":             &types.AttributeValueMemberS{Value: turn.SK},
		"conversationId": &types.AttributeValueMemberS{Value: turn.ConversationID},
		"message":        &types.AttributeValueMemberS{Value: turn.Message},
		"reply":          &types.AttributeValueMemberS{Value: turn.Reply},
		"crisis":         &types.AttributeValueMemberBOOL{Value: turn.Crisis},
		"status":         &types.AttributeValueMemberS{Value: turn.Status},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.TTL, 10)},
	}
	if turn.Sentiment != nil {
		item["sentiment"] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(*turn.Sentiment, 'f', -1, 64)}
	}
	return item
}

func metaItem(meta domain.ConversationMeta) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: meta.PK},
		"SK":             &types.AttributeValueMemberS{Value: meta.SK},
		"conversationId": &types.AttributeValueMemberS{Value: meta.ConversationID},
		"lastActivity":   &types.AttributeValueMemberS{Value: meta.LastActivity},
		"turns":          &types.AttributeValueMemberN{Value: strconv.Itoa(meta.Turns)},
		"crisisTurns":    &types.AttributeValueMemberN{Value: strconv.Itoa(meta.CrisisTurns)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(meta.TTL, 10)},
	}
}

func moodItem(entry domain.MoodEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: entry.PK},
		"SK":             &types.AttributeValueMemberS{Value: entry.SK},
		"conversationId": &types.AttributeValueMemberS{Value: entry.ConversationID},
		"level":          &types.AttributeValueMemberN{Value: strconv.Itoa(entry.Level)},
		"notes":          &types.AttributeValueMemberS{Value: entry.Notes},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(entry.TTL, 10)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func optionalIntAttr(item map[string]types.AttributeValue, key string) (int, error) {
	if _, ok := item[key]; !ok {
		return 0, nil
	}
	return intAttr(item, key)
}

func optionalFloatAttr(item map[string]types.AttributeValue, key string) (*float64, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return &f, nil
}
