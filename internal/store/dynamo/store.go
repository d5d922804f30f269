// Package dynamo is the DynamoDB-backed DataStore. One table holds all three
// row kinds, distinguished by key prefix: staged fragments under
// PK=CONV#<conversation_id> SK=FRAG#<fragment_id>, trigger locks under
// PK=TRIG#<conversation_id>, conversation records under
// PK=REC#<channel_key>#<conversation_id>. Conditional writes use condition
// expressions; expiry uses the table's native TTL attribute.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/junksamiad/replies-engine/internal/conversation"
	"github.com/junksamiad/replies-engine/internal/fragment"
	"github.com/junksamiad/replies-engine/internal/store"
)

const (
	skFragPrefix = "FRAG#"
	skLock       = "LOCK"
	skRecord     = "REC"
	skDayPrefix  = "DAY#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store. Defined
// here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Store struct {
	api       dynamodbAPI
	tableName string
}

func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func (s *Store) Close() {}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func trigPK(conversationID string) string {
	return "TRIG#" + conversationID
}

func recPK(channelKey, conversationID string) string {
	return "REC#" + channelKey + "#" + conversationID
}

func usagePK(channelKey string) string {
	return "USAGE#" + channelKey
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// PutFragment stages one fragment. A redelivered fragment with the same id
// fails the not-exists condition and is absorbed as a no-op.
func (s *Store) PutFragment(ctx context.Context, frag fragment.Fragment) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":              &types.AttributeValueMemberS{Value: convPK(frag.ConversationID)},
			"SK":              &types.AttributeValueMemberS{Value: skFragPrefix + frag.FragmentID},
			"conversation_id": &types.AttributeValueMemberS{Value: frag.ConversationID},
			"fragment_id":     &types.AttributeValueMemberS{Value: frag.FragmentID},
			"channel_key":     &types.AttributeValueMemberS{Value: frag.ChannelKey},
			"body":            &types.AttributeValueMemberS{Value: frag.Body},
			"received_at":     &types.AttributeValueMemberS{Value: frag.ReceivedAt.UTC().Format(time.RFC3339Nano)},
			"expires_at":      &types.AttributeValueMemberN{Value: strconv.FormatInt(frag.ExpiresAt.Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("dynamo: PutFragment: %w", err)
	}
	return nil
}

// ListFragments reads all staged fragments for a conversation with a
// strongly consistent query. TTL deletion lags, so expired items are
// filtered out here as well.
func (s *Store) ListFragments(ctx context.Context, conversationID string) ([]fragment.Fragment, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("expires_at > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skFragPrefix},
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: ListFragments: %w", err)
	}

	frags := make([]fragment.Fragment, 0, len(out.Items))
	for _, item := range out.Items {
		f, err := itemToFragment(item)
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListFragments decode: %w", err)
		}
		frags = append(frags, f)
	}
	return frags, nil
}

// DeleteFragments removes consumed fragments one by one; deleting an absent
// item is a no-op, keeping cleanup idempotent.
func (s *Store) DeleteFragments(ctx context.Context, conversationID string, fragmentIDs []string) error {
	for _, id := range fragmentIDs {
		_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
				"SK": &types.AttributeValueMemberS{Value: skFragPrefix + id},
			},
		})
		if err != nil {
			return fmt.Errorf("dynamo: DeleteFragments %s: %w", id, err)
		}
	}
	return nil
}

// AcquireTrigger writes the trigger row if absent or expired. A live row
// fails the condition, which reports the trigger as held.
func (s *Store) AcquireTrigger(ctx context.Context, conversationID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":              &types.AttributeValueMemberS{Value: trigPK(conversationID)},
			"SK":              &types.AttributeValueMemberS{Value: skLock},
			"conversation_id": &types.AttributeValueMemberS{Value: conversationID},
			"expires_at":      &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("dynamo: AcquireTrigger: %w", err)
	}
	return true, nil
}

func (s *Store) ReleaseTrigger(ctx context.Context, conversationID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: trigPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skLock},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamo: ReleaseTrigger: %w", err)
	}
	return nil
}

// GetConversation reads the record with a strongly consistent get.
func (s *Store) GetConversation(ctx context.Context, channelKey, conversationID string) (*conversation.Record, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: recPK(channelKey, conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skRecord},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, store.ErrNotFound
	}
	rec, err := itemToRecord(out.Item)
	if err != nil {
		return nil, fmt.Errorf("dynamo: GetConversation decode: %w", err)
	}
	return rec, nil
}

// PutConversation upserts a record wholesale (provisioning path).
func (s *Store) PutConversation(ctx context.Context, rec conversation.Record) error {
	status := rec.Status
	if status == "" {
		status = conversation.StatusOpen
	}
	item := map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: recPK(rec.ChannelKey, rec.ConversationID)},
		"SK":              &types.AttributeValueMemberS{Value: skRecord},
		"channel_key":     &types.AttributeValueMemberS{Value: rec.ChannelKey},
		"conversation_id": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"status":          &types.AttributeValueMemberS{Value: string(status)},
		"messages":        messagesAttr(rec.Messages),
		"updated_at":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	if rec.AISessionID != "" {
		item["ai_session_id"] = &types.AttributeValueMemberS{Value: rec.AISessionID}
	}
	if rec.CredentialRef != "" {
		item["credential_ref"] = &types.AttributeValueMemberS{Value: rec.CredentialRef}
	}
	if rec.Destination != "" {
		item["destination"] = &types.AttributeValueMemberS{Value: rec.Destination}
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("dynamo: PutConversation: %w", err)
	}
	return nil
}

// TryAcquire flips the record to processing, creating it when absent. A
// record already in processing fails the condition and reports contention.
func (s *Store) TryAcquire(ctx context.Context, channelKey, conversationID string) (bool, error) {
	now := time.Now().UTC()
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: recPK(channelKey, conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skRecord},
		},
		UpdateExpression: aws.String("SET #s = :processing, locked_at = :locked, updated_at = :now, " +
			"messages = if_not_exists(messages, :empty), " +
			"channel_key = if_not_exists(channel_key, :ck), " +
			"conversation_id = if_not_exists(conversation_id, :cid)"),
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #s <> :processing"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: string(conversation.StatusProcessing)},
			":locked":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":now":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":empty":      &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":ck":         &types.AttributeValueMemberS{Value: channelKey},
			":cid":        &types.AttributeValueMemberS{Value: conversationID},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("dynamo: TryAcquire: %w", err)
	}
	return true, nil
}

// Release resets a held lock. Releasing a record no longer in processing is
// a silent no-op.
func (s *Store) Release(ctx context.Context, channelKey, conversationID string, to conversation.Status) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: recPK(channelKey, conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skRecord},
		},
		UpdateExpression:         aws.String("SET #s = :to, updated_at = :now REMOVE locked_at"),
		ConditionExpression:      aws.String("#s = :processing"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":         &types.AttributeValueMemberS{Value: string(to)},
			":processing": &types.AttributeValueMemberS{Value: string(conversation.StatusProcessing)},
			":now":        &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("dynamo: Release: %w", err)
	}
	return nil
}

// CommitTurn appends the turn and settles the record as replied, guarded by
// the processing status.
func (s *Store) CommitTurn(ctx context.Context, channelKey, conversationID string, turn conversation.Turn) error {
	update := "SET messages = list_append(if_not_exists(messages, :empty), :turn), " +
		"#s = :replied, updated_at = :now"
	values := map[string]types.AttributeValue{
		":empty":      &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":turn":       messagesAttr([]conversation.Message{turn.User, turn.Assistant}),
		":replied":    &types.AttributeValueMemberS{Value: string(conversation.StatusReplied)},
		":processing": &types.AttributeValueMemberS{Value: string(conversation.StatusProcessing)},
		":now":        &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	if turn.AISessionID != "" {
		update += ", ai_session_id = :session"
		values[":session"] = &types.AttributeValueMemberS{Value: turn.AISessionID}
	}
	update += " REMOVE locked_at"

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: recPK(channelKey, conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skRecord},
		},
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("#s = :processing"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return store.ErrLockLost
		}
		return fmt.Errorf("dynamo: CommitTurn: %w", err)
	}
	return nil
}

// ResetStuckLocks scans for records stuck in processing past the threshold
// and resets each with a guarded update. The scan is paged; the table stays
// small because staging and triggers expire.
func (s *Store) ResetStuckLocks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().UTC().Add(-olderThan).Unix(), 10)

	reset := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.tableName),
			FilterExpression:         aws.String("SK = :rec AND #s = :processing AND locked_at < :cutoff"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":rec":        &types.AttributeValueMemberS{Value: skRecord},
				":processing": &types.AttributeValueMemberS{Value: string(conversation.StatusProcessing)},
				":cutoff":     &types.AttributeValueMemberN{Value: cutoff},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return reset, fmt.Errorf("dynamo: ResetStuckLocks scan: %w", err)
		}

		for _, item := range out.Items {
			channelKey, err := strAttr(item, "channel_key")
			if err != nil {
				return reset, fmt.Errorf("dynamo: ResetStuckLocks decode: %w", err)
			}
			conversationID, err := strAttr(item, "conversation_id")
			if err != nil {
				return reset, fmt.Errorf("dynamo: ResetStuckLocks decode: %w", err)
			}
			if err := s.Release(ctx, channelKey, conversationID, conversation.StatusErrored); err != nil {
				return reset, err
			}
			reset++
		}

		if len(out.LastEvaluatedKey) == 0 {
			return reset, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// PurgeExpired is a no-op: the table's TTL attribute handles expiry.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *Store) SupportsNativeTTL() bool {
	return true
}

// Depths counts live staging fragments and trigger locks for the health
// endpoint.
func (s *Store) Depths(ctx context.Context) (int, int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	fragments, err := s.scanCount(ctx, "begins_with(SK, :prefix) AND expires_at > :now", map[string]types.AttributeValue{
		":prefix": &types.AttributeValueMemberS{Value: skFragPrefix},
		":now":    &types.AttributeValueMemberN{Value: now},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("dynamo: Depths fragments: %w", err)
	}

	triggers, err := s.scanCount(ctx, "SK = :lock AND expires_at > :now", map[string]types.AttributeValue{
		":lock": &types.AttributeValueMemberS{Value: skLock},
		":now":  &types.AttributeValueMemberN{Value: now},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("dynamo: Depths triggers: %w", err)
	}

	return fragments, triggers, nil
}

func (s *Store) scanCount(ctx context.Context, filter string, values map[string]types.AttributeValue) (int, error) {
	count := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			Select:                    types.SelectCount,
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return 0, err
		}
		count += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return count, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// AddUsage folds one committed turn into the channel's rollup for the day.
// ADD creates the item and the counters on first write.
func (s *Store) AddUsage(ctx context.Context, channelKey string, day time.Time, turns, inputTokens, outputTokens int) error {
	date := day.UTC().Format("2006-01-02")
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: usagePK(channelKey)},
			"SK": &types.AttributeValueMemberS{Value: skDayPrefix + date},
		},
		UpdateExpression: aws.String("ADD turns :t, input_tokens :in, output_tokens :out " +
			"SET channel_key = :channel, usage_date = :date, updated_at = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":       &types.AttributeValueMemberN{Value: strconv.Itoa(turns)},
			":in":      &types.AttributeValueMemberN{Value: strconv.Itoa(inputTokens)},
			":out":     &types.AttributeValueMemberN{Value: strconv.Itoa(outputTokens)},
			":channel": &types.AttributeValueMemberS{Value: channelKey},
			":date":    &types.AttributeValueMemberS{Value: date},
			":now":     &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamo: AddUsage: %w", err)
	}
	return nil
}

// ChannelUsage returns the channel's most recent rollup day, or
// store.ErrNotFound.
func (s *Store) ChannelUsage(ctx context.Context, channelKey string) (store.UsageDay, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: usagePK(channelKey)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return store.UsageDay{}, fmt.Errorf("dynamo: ChannelUsage: %w", err)
	}
	if len(out.Items) == 0 {
		return store.UsageDay{}, store.ErrNotFound
	}
	return itemToUsage(out.Items[0])
}

// UsageSummary returns the latest rollup day for every channel. The scan
// pages through all usage items and keeps the newest day per channel.
func (s *Store) UsageSummary(ctx context.Context) ([]store.UsageDay, error) {
	latest := make(map[string]store.UsageDay)
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("begins_with(PK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: "USAGE#"},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamo: UsageSummary: %w", err)
		}
		for _, item := range out.Items {
			u, err := itemToUsage(item)
			if err != nil {
				return nil, fmt.Errorf("dynamo: UsageSummary decode: %w", err)
			}
			if prev, ok := latest[u.ChannelKey]; !ok || u.Day > prev.Day {
				latest[u.ChannelKey] = u
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	out := make([]store.UsageDay, 0, len(latest))
	for _, u := range latest {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelKey < out[j].ChannelKey })
	return out, nil
}

func itemToUsage(item map[string]types.AttributeValue) (store.UsageDay, error) {
	channelKey, err := strAttr(item, "channel_key")
	if err != nil {
		return store.UsageDay{}, err
	}
	day, err := strAttr(item, "usage_date")
	if err != nil {
		return store.UsageDay{}, err
	}
	u := store.UsageDay{ChannelKey: channelKey, Day: day}
	if n, err := intAttr(item, "turns"); err == nil {
		u.Turns = n
	}
	if n, err := intAttr(item, "input_tokens"); err == nil {
		u.InputTokens = n
	}
	if n, err := intAttr(item, "output_tokens"); err == nil {
		u.OutputTokens = n
	}
	return u, nil
}

func itemToFragment(item map[string]types.AttributeValue) (fragment.Fragment, error) {
	conversationID, err := strAttr(item, "conversation_id")
	if err != nil {
		return fragment.Fragment{}, err
	}
	fragmentID, err := strAttr(item, "fragment_id")
	if err != nil {
		return fragment.Fragment{}, err
	}
	channelKey, err := strAttr(item, "channel_key")
	if err != nil {
		return fragment.Fragment{}, err
	}
	body, err := strAttr(item, "body")
	if err != nil {
		return fragment.Fragment{}, err
	}
	receivedAt, err := timeAttr(item, "received_at")
	if err != nil {
		return fragment.Fragment{}, err
	}
	expires, err := intAttr(item, "expires_at")
	if err != nil {
		return fragment.Fragment{}, err
	}
	return fragment.Fragment{
		ConversationID: conversationID,
		FragmentID:     fragmentID,
		ChannelKey:     channelKey,
		Body:           body,
		ReceivedAt:     receivedAt,
		ExpiresAt:      time.Unix(int64(expires), 0).UTC(),
	}, nil
}

func itemToRecord(item map[string]types.AttributeValue) (*conversation.Record, error) {
	channelKey, err := strAttr(item, "channel_key")
	if err != nil {
		return nil, err
	}
	conversationID, err := strAttr(item, "conversation_id")
	if err != nil {
		return nil, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return nil, err
	}

	rec := &conversation.Record{
		ChannelKey:     channelKey,
		ConversationID: conversationID,
		Status:         conversation.Status(status),
	}
	rec.AISessionID, _ = optStrAttr(item, "ai_session_id")
	rec.CredentialRef, _ = optStrAttr(item, "credential_ref")
	rec.Destination, _ = optStrAttr(item, "destination")
	if locked, err := intAttr(item, "locked_at"); err == nil {
		rec.LockedAt = time.Unix(int64(locked), 0).UTC()
	}
	if updated, err := timeAttr(item, "updated_at"); err == nil {
		rec.UpdatedAt = updated
	}

	if raw, ok := item["messages"]; ok {
		list, ok := raw.(*types.AttributeValueMemberL)
		if !ok {
			return nil, errors.New("dynamo: attribute \"messages\" is not a list")
		}
		msgs := make([]conversation.Message, 0, len(list.Value))
		for _, av := range list.Value {
			msg, err := attrToMessage(av)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		}
		rec.Messages = msgs
	}
	return rec, nil
}

func messagesAttr(msgs []conversation.Message) *types.AttributeValueMemberL {
	list := make([]types.AttributeValue, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: m.Role},
			"content": &types.AttributeValueMemberS{Value: m.Content},
			"sent_at": &types.AttributeValueMemberS{Value: m.SentAt.UTC().Format(time.RFC3339Nano)},
		}
		if m.ProviderMessageID != "" {
			entry["provider_message_id"] = &types.AttributeValueMemberS{Value: m.ProviderMessageID}
		}
		if m.AIResponseID != "" {
			entry["ai_response_id"] = &types.AttributeValueMemberS{Value: m.AIResponseID}
		}
		list = append(list, &types.AttributeValueMemberM{Value: entry})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func attrToMessage(av types.AttributeValue) (conversation.Message, error) {
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return conversation.Message{}, errors.New("dynamo: message entry is not a map")
	}
	role, err := strAttr(m.Value, "role")
	if err != nil {
		return conversation.Message{}, err
	}
	content, err := strAttr(m.Value, "content")
	if err != nil {
		return conversation.Message{}, err
	}
	msg := conversation.Message{Role: role, Content: content}
	if sentAt, err := timeAttr(m.Value, "sent_at"); err == nil {
		msg.SentAt = sentAt
	}
	msg.ProviderMessageID, _ = optStrAttr(m.Value, "provider_message_id")
	msg.AIResponseID, _ = optStrAttr(m.Value, "ai_response_id")
	return msg, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) (string, bool) {
	s, err := strAttr(item, key)
	return s, err == nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamo: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return t.UTC(), nil
}
