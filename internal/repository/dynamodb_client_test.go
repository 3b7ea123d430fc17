package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	deleteErr    error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	txErr        error
	updateErr    error
	lastUpdateIn *dynamodb.UpdateItemInput
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastDelInput *dynamodb.DeleteItemInput
	lastQueryIn  *dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDelInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func makeTurnItem(sk, message, reply string, crisis bool) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":             &types.AttributeValueMemberS{Value: sk},
		"conversationId": &types.AttributeValueMemberS{Value: "abc"},
		"message":        &types.AttributeValueMemberS{Value: message},
		"reply":          &types.AttributeValueMemberS{Value: reply},
		"crisis":         &types.AttributeValueMemberBOOL{Value: crisis},
		"status":         &types.AttributeValueMemberS{Value: "complete"},
	}
}

func makeMetaItem(turns, crisis int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"turns":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", turns)},
		"crisisTurns":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", crisis)},
		"lastActivity": &types.AttributeValueMemberS{Value: "2026-10-01T10:00:00Z"},
	}
}

func makeMoodItem(sk string, level int, notes string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":             &types.AttributeValueMemberS{Value: sk},
		"conversationId": &types.AttributeValueMemberS{Value: "abc"},
		"level":          &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", level)},
		"notes":          &types.AttributeValueMemberS{Value: notes},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC) }
	return c
}

// ---- New ----

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

// ---- GetConversationMeta ----

func TestGetConversationMeta_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeMetaItem(7, 2)}}
	c := mustNewClient(t, db)
	meta, err := c.GetConversationMeta(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 7, meta.Turns)
	require.Equal(t, 2, meta.CrisisTurns)
	require.Equal(t, "2026-10-01T10:00:00Z", meta.LastActivity)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetConversationMeta_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	meta, err := c.GetConversationMeta(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 0, meta.Turns)
	require.Equal(t, "abc", meta.ConversationID)
}

func TestGetConversationMeta_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, err := c.GetConversationMeta(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetConversationMeta")
}

func TestGetConversationMeta_MalformedTurns(t *testing.T) {
	item := makeMetaItem(1, 0)
	item["turns"] = &types.AttributeValueMemberS{Value: "bad"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	_, err := c.GetConversationMeta(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode turns")
}

func TestGetConversationMeta_CrisisTurnsOptional(t *testing.T) {
	item := makeMetaItem(3, 0)
	delete(item, "crisisTurns")
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	meta, err := c.GetConversationMeta(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 3, meta.Turns)
	require.Equal(t, 0, meta.CrisisTurns)
}

func TestGetConversationMeta_EndedOnly(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":      &types.AttributeValueMemberS{Value: skMeta},
		"ended":   &types.AttributeValueMemberBOOL{Value: true},
		"endedAt": &types.AttributeValueMemberS{Value: "2026-10-19T09:30:00Z"},
	}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	meta, err := c.GetConversationMeta(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, meta.Ended)
	require.Equal(t, "2026-10-19T09:30:00Z", meta.EndedAt)
	require.Zero(t, meta.Turns)
}

// ---- EndConversation ----

func TestEndConversation_MarksMetaEnded(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.EndConversation(context.Background(), "abc"))

	in := db.lastUpdateIn
	require.NotNil(t, in)
	require.Equal(t, "test-table", *in.TableName)
	require.Equal(t, "CONV#abc", in.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, *in.UpdateExpression, "ended = :ended")
	require.True(t, in.ExpressionAttributeValues[":ended"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "2026-10-19T09:30:00Z", in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "ttl", in.ExpressionAttributeNames["#ttl"])
}

func TestEndConversation_RequiresID(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.Error(t, c.EndConversation(context.Background(), " "))
	require.Nil(t, db.lastUpdateIn)
}

func TestEndConversation_DynamoError(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("throttled")}
	c := mustNewClient(t, db)
	err := c.EndConversation(context.Background(), "abc")
	require.ErrorContains(t, err, "EndConversation")
}

// ---- GetHistory ----

func TestGetHistory_HappyPath(t *testing.T) {
	item := makeTurnItem(msgSK(time.Now()), "I feel anxious", "I'm here to listen.", false)
	item["sentiment"] = &types.AttributeValueMemberN{Value: "-0.4"}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "I feel anxious", turns[0].Message)
	require.Equal(t, "I'm here to listen.", turns[0].Reply)
	require.NotNil(t, turns[0].Sentiment)
	require.InDelta(t, -0.4, *turns[0].Sentiment, 1e-9)
}

func TestGetHistory_EmptyResult(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestGetHistory_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetHistory")
}

func TestGetHistory_MalformedItem_MissingMessage(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK": &types.AttributeValueMemberS{Value: "MSG#ts"},
	}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "message")
}

func TestGetHistory_QueryShape(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.Equal(t, skPrefixMsg, db.lastQueryIn.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(20), *db.lastQueryIn.Limit)
}

func TestGetHistory_ReordersDescendingResultsToChronological(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeTurnItem("MSG#2026-10-19T12:00:00Z", "newer", "", false),
				makeTurnItem("MSG#2026-10-19T11:00:00Z", "older", "", false),
			},
		},
	}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "older", turns[0].Message)
	require.Equal(t, "newer", turns[1].Message)
}

// ---- SaveTurn / SaveCompletedTurn ----

func TestSaveTurn_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	turn := c.NewTurn("abc", "hello", "complete")
	turn.Reply = "Hi, how are you feeling today?"

	err := c.SaveTurn(context.Background(), turn, c.NewConversationMeta("abc", 2, 0))
	require.NoError(t, err)
	require.Len(t, db.lastTxInput.TransactItems, 2)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastTxInput.TransactItems[0].Put.ConditionExpression)
	require.Nil(t, db.lastTxInput.TransactItems[1].Put.ConditionExpression)
	_, hasSentiment := db.lastTxInput.TransactItems[0].Put.Item["sentiment"]
	require.False(t, hasSentiment)
}

func TestSaveTurn_DynamoError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("transaction canceled")}
	c := mustNewClient(t, db)
	err := c.SaveTurn(context.Background(), c.NewTurn("abc", "hi", "complete"), c.NewConversationMeta("abc", 1, 0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveTurn")
}

func TestSaveTurn_MissingKeys(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.SaveTurn(context.Background(), domain.Turn{SK: "MSG#ts"}, c.NewConversationMeta("abc", 1, 0))
	require.ErrorContains(t, err, "turn PK")

	err = c.SaveTurn(context.Background(), c.NewTurn("abc", "hi", "complete"), domain.ConversationMeta{SK: skMeta})
	require.ErrorContains(t, err, "meta PK")
}

func TestSaveCompletedTurn_IncrementsCounters(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeMetaItem(4, 1)}}
	c := mustNewClient(t, db)
	score := 0.25
	err := c.SaveCompletedTurn(context.Background(), domain.Turn{
		ConversationID: "abc",
		Message:        "I don't want to be here anymore",
		Reply:          "Please reach out to a crisis line.",
		Sentiment:      &score,
		Crisis:         true,
	})
	require.NoError(t, err)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	turn := db.lastTxInput.TransactItems[0].Put.Item
	require.Equal(t, "CONV#abc", turn["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "MSG#2026-10-19T09:30:00Z", turn["SK"].(*types.AttributeValueMemberS).Value)
	require.True(t, turn["crisis"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "0.25", turn["sentiment"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "complete", turn["status"].(*types.AttributeValueMemberS).Value)

	meta := db.lastTxInput.TransactItems[1].Put.Item
	require.Equal(t, "5", meta["turns"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "2", meta["crisisTurns"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "2026-10-19T09:30:00Z", meta["lastActivity"].(*types.AttributeValueMemberS).Value)
}

func TestSaveCompletedTurn_ReopensEndedConversation(t *testing.T) {
	item := makeMetaItem(2, 0)
	item["ended"] = &types.AttributeValueMemberBOOL{Value: true}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	require.NoError(t, c.SaveCompletedTurn(context.Background(), domain.Turn{ConversationID: "abc", Message: "back again"}))

	meta := db.lastTxInput.TransactItems[1].Put.Item
	require.NotContains(t, meta, "ended")
	require.Equal(t, "3", meta["turns"].(*types.AttributeValueMemberN).Value)
}

func TestSaveCompletedTurn_NoConversationID(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.SaveCompletedTurn(context.Background(), domain.Turn{Message: "hi"})
	require.ErrorContains(t, err, "conversation id is required")
}

func TestSaveCompletedTurn_MetaError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("throttled")}
	c := mustNewClient(t, db)
	err := c.SaveCompletedTurn(context.Background(), domain.Turn{ConversationID: "abc", Message: "hi"})
	require.ErrorContains(t, err, "SaveCompletedTurn")
	require.Nil(t, db.lastTxInput)
}

func TestSaveCompletedTurn_DynamoError(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}, txErr: errors.New("transaction canceled")}
	c := mustNewClient(t, db)
	err := c.SaveCompletedTurn(context.Background(), domain.Turn{ConversationID: "abc", Message: "hi"})
	require.ErrorContains(t, err, "SaveCompletedTurn")
}

// ---- mood entries ----

func TestSaveMoodEntry_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	entry, err := c.SaveMoodEntry(context.Background(), "abc", 4, "slept well")
	require.NoError(t, err)
	require.Equal(t, "MOOD#2026-10-19T09:30:00Z", entry.SK)
	require.Equal(t, 4, entry.Level)
	require.Greater(t, entry.TTL, int64(0))
	require.Equal(t, "4", db.lastPutInput.Item["level"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "slept well", db.lastPutInput.Item["notes"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
}

func TestSaveMoodEntry_InvalidLevel(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	_, err := c.SaveMoodEntry(context.Background(), "abc", 6, "")
	require.ErrorContains(t, err, "invalid mood level")
	require.Nil(t, db.lastPutInput)
}

func TestSaveMoodEntry_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewClient(t, db)
	_, err := c.SaveMoodEntry(context.Background(), "abc", 3, "")
	require.ErrorContains(t, err, "SaveMoodEntry")
}

func TestListMoodEntries_NewestFirst(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeMoodItem("MOOD#2026-10-19T09:00:00Z", 5, "good day"),
				makeMoodItem("MOOD#2026-10-18T09:00:00Z", 2, ""),
			},
		},
	}
	c := mustNewClient(t, db)
	entries, err := c.ListMoodEntries(context.Background(), "abc", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 5, entries[0].Level)
	require.Equal(t, time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), entries[0].CreatedAt)
	require.Equal(t, skPrefixMood, db.lastQueryIn.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, int32(10), *db.lastQueryIn.Limit)
}

func TestListMoodEntries_BadKey(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{makeMoodItem("MOOD#yesterday", 3, "")},
		},
	}
	c := mustNewClient(t, db)
	_, err := c.ListMoodEntries(context.Background(), "abc", 10)
	require.ErrorContains(t, err, "ListMoodEntries")
}

func TestDeleteMoodEntry(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.DeleteMoodEntry(context.Background(), "abc", "MOOD#2026-10-19T09:00:00Z"))
	require.Equal(t, "CONV#abc", db.lastDelInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "MOOD#2026-10-19T09:00:00Z", db.lastDelInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestDeleteMoodEntry_RejectsForeignKey(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.DeleteMoodEntry(context.Background(), "abc", skMeta)
	require.ErrorContains(t, err, "not a mood entry key")
	require.Nil(t, db.lastDelInput)
}

func TestDeleteMoodEntry_DynamoError(t *testing.T) {
	db := &fakeDynamo{deleteErr: errors.New("boom")}
	c := mustNewClient(t, db)
	err := c.DeleteMoodEntry(context.Background(), "abc", "MOOD#2026-10-19T09:00:00Z")
	require.ErrorContains(t, err, "DeleteMoodEntry")
}

// ---- key helpers ----

func TestNewTurn_Fields(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	turn := c.NewTurn("conv-1", "hello", "pending")
	require.Equal(t, "CONV#conv-1", turn.PK)
	require.Equal(t, "MSG#2026-10-19T09:30:00Z", turn.SK)
	require.Equal(t, "pending", turn.Status)
	require.Equal(t, time.Date(2026, 11, 18, 9, 30, 0, 0, time.UTC).Unix(), turn.TTL)
}

func TestNewConversationMeta_Fields(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	meta := c.NewConversationMeta("conv-2", 5, 1)
	require.Equal(t, "CONV#conv-2", meta.PK)
	require.Equal(t, skMeta, meta.SK)
	require.Equal(t, 5, meta.Turns)
	require.Equal(t, 1, meta.CrisisTurns)
	require.NotEmpty(t, meta.LastActivity)
}

func TestConvPK(t *testing.T) {
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}
