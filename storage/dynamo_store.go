package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"couplemode_server/models"
	"couplemode_server/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore persists sessions in four tables:
//
//	CoupleSessions  PK sessionId
//	SessionCodes    PK code (row exists only while the owning session is open)
//	SwipeDecisions  PK sessionId, SK "USER#<len(userId)>#<userId>#ITEM#<itemId>"
//	SessionMatches  PK sessionId, SK itemId
type DynamoStore struct {
	Dynamo *DynamoService
	logger *slog.Logger
}

func NewDynamoStore(client DynamoAPI, tablePrefix string, logger *slog.Logger) *DynamoStore {
	return &DynamoStore{
		Dynamo: &DynamoService{Client: client, TablePrefix: tablePrefix},
		logger: logger,
	}
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
	}
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func (d *DynamoStore) CreateSession(ctx context.Context, session *models.Session) error {
	sessionItem, err := attributevalue.MarshalMap(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	codeItem, err := attributevalue.MarshalMap(models.SessionCode{Code: session.Code, SessionID: session.SessionID})
	if err != nil {
		return fmt.Errorf("failed to marshal session code: %w", err)
	}

	err = d.Dynamo.TransactWrite(ctx, []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           aws.String(d.Dynamo.Table(models.SessionsTable)),
			Item:                sessionItem,
			ConditionExpression: aws.String("attribute_not_exists(sessionId)"),
		}},
		{Put: &types.Put{
			TableName:           aws.String(d.Dynamo.Table(models.SessionCodesTable)),
			Item:                codeItem,
			ConditionExpression: aws.String("attribute_not_exists(code)"),
		}},
	})
	if err != nil {
		if utils.TransactionConditionFailed(err, 0) || utils.TransactionConditionFailed(err, 1) {
			return models.ErrCodeTaken
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (d *DynamoStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	item, err := d.Dynamo.GetItem(ctx, models.SessionsTable, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if item == nil {
		return nil, models.ErrSessionNotFound
	}

	var session models.Session
	if err := attributevalue.UnmarshalMap(item, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (d *DynamoStore) lookupCode(ctx context.Context, code string) (string, error) {
	item, err := d.Dynamo.GetItem(ctx, models.SessionCodesTable, map[string]types.AttributeValue{
		"code": str(code),
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up code: %w", err)
	}
	if item == nil {
		return "", models.ErrSessionNotFound
	}
	return utils.ExtractString(item, "sessionId"), nil
}

// JoinSession reads the session for classification, then sets the partner
// with a conditional update. Expiry needs no condition of its own: the
// expiry write is conditioned on the same pending/unjoined state, so exactly
// one of the two wins.
func (d *DynamoStore) JoinSession(ctx context.Context, code, joinerID string, expiredBefore time.Time) (*models.Session, bool, error) {
	sessionID, err := d.lookupCode(ctx, code)
	if err != nil {
		return nil, false, err
	}
	session, err := d.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := classifyJoin(session, joinerID, expiredBefore); err != nil {
		return nil, false, err
	}
	if session.PartnerID == joinerID {
		return session, false, nil
	}

	attrs, err := d.Dynamo.UpdateItem(ctx, models.SessionsTable, sessionKey(sessionID),
		"SET partnerId = :joiner, #status = :active",
		"#status = :pending AND attribute_not_exists(partnerId) AND creatorId <> :joiner",
		map[string]string{"#status": "status"},
		map[string]types.AttributeValue{
			":joiner":  str(joinerID),
			":active":  str(models.SessionStatusActive),
			":pending": str(models.SessionStatusPending),
		},
	)
	if err != nil {
		if !utils.IsConditionalCheckFailed(err) {
			return nil, false, fmt.Errorf("failed to join session: %w", err)
		}
		// Lost to a concurrent join, end or expiry. Re-read to say which.
		latest, getErr := d.GetSession(ctx, sessionID)
		if getErr != nil {
			return nil, false, getErr
		}
		if latest.PartnerID == joinerID {
			return latest, false, nil
		}
		if classErr := classifyJoin(latest, joinerID, expiredBefore); classErr != nil {
			return nil, false, classErr
		}
		return nil, false, models.ErrSessionAlreadyJoined
	}

	var joined models.Session
	if err := attributevalue.UnmarshalMap(attrs, &joined); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &joined, true, nil
}

func (d *DynamoStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (*models.Session, bool, error) {
	return d.closeSession(ctx, sessionID, models.SessionStatusCompleted, endedAt,
		"#status IN (:pending, :active)", map[string]types.AttributeValue{
			":pending": str(models.SessionStatusPending),
			":active":  str(models.SessionStatusActive),
		})
}

func (d *DynamoStore) ExpireSession(ctx context.Context, sessionID string, endedAt time.Time) (*models.Session, bool, error) {
	return d.closeSession(ctx, sessionID, models.SessionStatusExpired, endedAt,
		"#status = :pending AND attribute_not_exists(partnerId)", map[string]types.AttributeValue{
			":pending": str(models.SessionStatusPending),
		})
}

// closeSession updates the status and drops the code reservation in one
// transaction so the code becomes reusable exactly when the session closes.
func (d *DynamoStore) closeSession(ctx context.Context, sessionID, status string, endedAt time.Time, condition string, values map[string]types.AttributeValue) (*models.Session, bool, error) {
	session, err := d.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session.IsTerminal() {
		return session, false, nil
	}
	if status == models.SessionStatusExpired && (session.Status != models.SessionStatusPending || session.PartnerID != "") {
		return session, false, nil
	}

	endedAtAttr, err := attributevalue.Marshal(endedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal endedAt: %w", err)
	}
	values[":status"] = str(status)
	values[":endedAt"] = endedAtAttr

	err = d.Dynamo.TransactWrite(ctx, []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:                 aws.String(d.Dynamo.Table(models.SessionsTable)),
			Key:                       sessionKey(sessionID),
			UpdateExpression:          aws.String("SET #status = :status, endedAt = :endedAt"),
			ConditionExpression:       aws.String(condition),
			ExpressionAttributeNames:  map[string]string{"#status": "status"},
			ExpressionAttributeValues: values,
		}},
		{Delete: &types.Delete{
			TableName:           aws.String(d.Dynamo.Table(models.SessionCodesTable)),
			Key:                 map[string]types.AttributeValue{"code": str(session.Code)},
			ConditionExpression: aws.String("attribute_not_exists(code) OR sessionId = :sid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sid": str(sessionID),
			},
		}},
	})
	if err != nil {
		if utils.TransactionConditionFailed(err, 0) {
			// Someone else moved it first; report what is stored now.
			latest, getErr := d.GetSession(ctx, sessionID)
			if getErr != nil {
				return nil, false, getErr
			}
			return latest, false, nil
		}
		return nil, false, fmt.Errorf("failed to close session: %w", err)
	}

	session.Status = status
	session.EndedAt = &endedAt
	return session, true, nil
}

func (d *DynamoStore) ListStalePending(ctx context.Context, createdBefore time.Time) ([]models.Session, error) {
	items, err := d.Dynamo.ScanWithFilter(ctx, models.SessionsTable,
		"#status = :pending",
		map[string]string{"#status": "status"},
		map[string]types.AttributeValue{":pending": str(models.SessionStatusPending)},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending sessions: %w", err)
	}

	var stale []models.Session
	for _, item := range items {
		var s models.Session
		if err := attributevalue.UnmarshalMap(item, &s); err != nil {
			d.logger.Warn("⚠️ skipping unreadable session row", "sessionId", utils.ExtractString(item, "sessionId"), "error", err)
			continue
		}
		if s.CreatedAt.Before(createdBefore) {
			stale = append(stale, s)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	return stale, nil
}

// activeCheck guards a write on the session still being active.
func (d *DynamoStore) activeCheck(sessionID string) types.TransactWriteItem {
	return types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
		TableName:                aws.String(d.Dynamo.Table(models.SessionsTable)),
		Key:                      sessionKey(sessionID),
		ConditionExpression:      aws.String("#status = :active"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":active": str(models.SessionStatusActive),
		},
	}}
}

// putWhileActive inserts item into tableName if keyAttr is absent and the
// session is active, all in one transaction.
func (d *DynamoStore) putWhileActive(ctx context.Context, sessionID, tableName string, item map[string]types.AttributeValue, keyAttr string) (bool, error) {
	err := d.Dynamo.TransactWrite(ctx, []types.TransactWriteItem{
		d.activeCheck(sessionID),
		{Put: &types.Put{
			TableName:                aws.String(d.Dynamo.Table(tableName)),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#k)"),
			ExpressionAttributeNames: map[string]string{"#k": keyAttr},
		}},
	})
	if err == nil {
		return true, nil
	}
	if utils.TransactionConditionFailed(err, 0) {
		if _, getErr := d.GetSession(ctx, sessionID); getErr != nil {
			return false, getErr
		}
		return false, models.ErrSessionNotActive
	}
	if utils.TransactionConditionFailed(err, 1) {
		return false, nil
	}
	return false, err
}

func (d *DynamoStore) PutSwipe(ctx context.Context, swipe *models.SwipeDecision) (bool, error) {
	stored := *swipe
	stored.SK = models.SwipeSortKey(swipe.UserID, swipe.ItemID)
	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return false, fmt.Errorf("failed to marshal swipe: %w", err)
	}

	isNew, err := d.putWhileActive(ctx, swipe.SessionID, models.SwipeDecisionsTable, item, "SK")
	if err != nil {
		return false, fmt.Errorf("failed to put swipe: %w", err)
	}
	return isNew, nil
}

func (d *DynamoStore) GetSwipe(ctx context.Context, sessionID, userID, itemID string) (*models.SwipeDecision, error) {
	item, err := d.Dynamo.GetItem(ctx, models.SwipeDecisionsTable, map[string]types.AttributeValue{
		"sessionId": str(sessionID),
		"SK":        str(models.SwipeSortKey(userID, itemID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get swipe: %w", err)
	}
	if item == nil {
		return nil, models.ErrSwipeNotFound
	}

	var swipe models.SwipeDecision
	if err := attributevalue.UnmarshalMap(item, &swipe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal swipe: %w", err)
	}
	return &swipe, nil
}

func (d *DynamoStore) PutMatch(ctx context.Context, match *models.Match) (bool, error) {
	item, err := attributevalue.MarshalMap(match)
	if err != nil {
		return false, fmt.Errorf("failed to marshal match: %w", err)
	}

	created, err := d.putWhileActive(ctx, match.SessionID, models.MatchesTable, item, "itemId")
	if err != nil {
		return false, fmt.Errorf("failed to put match: %w", err)
	}
	return created, nil
}

func (d *DynamoStore) ListMatches(ctx context.Context, sessionID string) ([]models.Match, error) {
	items, err := d.Dynamo.QueryItems(ctx, models.MatchesTable,
		"sessionId = :sid",
		nil,
		map[string]types.AttributeValue{":sid": str(sessionID)},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}

	matches := []models.Match{}
	if len(items) == 0 {
		return matches, nil
	}
	if err := attributevalue.UnmarshalListOfMaps(items, &matches); err != nil {
		return nil, fmt.Errorf("failed to unmarshal matches: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ItemID < matches[j].ItemID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return matches, nil
}

func (d *DynamoStore) NextEventSeq(ctx context.Context, sessionID string) (int64, error) {
	attrs, err := d.Dynamo.UpdateItem(ctx, models.SessionsTable, sessionKey(sessionID),
		"ADD lastEventSeq :one",
		"attribute_exists(sessionId)",
		nil,
		map[string]types.AttributeValue{":one": &types.AttributeValueMemberN{Value: "1"}},
	)
	if err != nil {
		if utils.IsConditionalCheckFailed(err) {
			return 0, models.ErrSessionNotFound
		}
		return 0, fmt.Errorf("failed to advance event seq: %w", err)
	}
	return utils.ExtractInt64(attrs, "lastEventSeq"), nil
}

// Ping reads a key that never exists, which proves the sessions table is
// reachable with the current credentials.
func (d *DynamoStore) Ping(ctx context.Context) error {
	if _, err := d.Dynamo.GetItem(ctx, models.SessionsTable, sessionKey("__ping__")); err != nil {
		return fmt.Errorf("failed to reach sessions table: %w", err)
	}
	return nil
}

func (d *DynamoStore) Close() error {
	return nil
}
