package sync

import (
	"context"
	"encoding/json"

	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/kv"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EntityKind 实体同步种类
type EntityKind string

const (
	EntityFriend      EntityKind = "friend"
	EntityGroup       EntityKind = "group"
	EntityUser        EntityKind = "user"
	EntityGroupMember EntityKind = "group_member"
	EntityRobot       EntityKind = "robot"
	EntityReminder    EntityKind = "reminder"
)

// 单页实体条数
const entityPageSize = 200

type entitySyncRequest struct {
	EntityType   string `json:"entity_type"`
	Scope        string `json:"scope,omitempty"`
	SinceVersion uint64 `json:"since_version"`
	Limit        int    `json:"limit"`
}

type entitySyncResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor uint64            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// cursorKey 游标key：sync_cursor:<kind> 或 sync_cursor:<kind>:<scope>
func cursorKey(kind EntityKind, scope string) string {
	if scope == "" {
		return kv.PrefixSyncCursor + string(kind)
	}
	return kv.PrefixSyncCursor + string(kind) + ":" + scope
}

// Cursor 读取实体同步游标，首次为0
func (e *Engine) Cursor(kind EntityKind, scope string) (uint64, error) {
	v, _, err := e.kvStore.GetUint64(cursorKey(kind, scope))
	return v, err
}

// SyncEntities 实体游标同步
// 逐页拉取并落库，每页成功后推进游标；失败中止且游标保持不动
// 返回本次应用的条目总数
func (e *Engine) SyncEntities(ctx context.Context, kind EntityKind, scope string) (int, error) {
	cursor, err := e.Cursor(kind, scope)
	if err != nil {
		return 0, err
	}

	applied := 0
	for {
		var resp entitySyncResponse
		err := e.dispatcher.Call(ctx, routeEntitySync, &entitySyncRequest{
			EntityType:   string(kind),
			Scope:        scope,
			SinceVersion: cursor,
			Limit:        entityPageSize,
		}, &resp)
		if err != nil {
			return applied, err
		}

		if len(resp.Items) > 0 {
			// 一页一个事务
			err = e.store.Transaction(func(tx *gorm.DB) error {
				for _, item := range resp.Items {
					if err := e.applyEntity(tx, kind, item); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return applied, errors.Wrap(errors.KindDatabase, "apply entity page", err)
			}
			applied += len(resp.Items)
		}

		// 游标单调不减
		if resp.NextCursor > cursor {
			cursor = resp.NextCursor
			if err := e.kvStore.PutUint64(cursorKey(kind, scope), cursor); err != nil {
				return applied, err
			}
		}
		if !resp.HasMore {
			break
		}
	}

	logger.Debug("实体同步完成",
		zap.String("kind", string(kind)),
		zap.String("scope", scope),
		zap.Int("applied", applied),
		zap.Uint64("cursor", cursor))
	return applied, nil
}

// applyEntity 单条实体落库
func (e *Engine) applyEntity(tx *gorm.DB, kind EntityKind, item json.RawMessage) error {
	switch kind {
	case EntityFriend:
		var friend model.Friend
		if err := json.Unmarshal(item, &friend); err != nil {
			return err
		}
		return e.contactRepo.UpsertFriend(tx, &friend)
	case EntityGroup:
		var group model.Group
		if err := json.Unmarshal(item, &group); err != nil {
			return err
		}
		return e.contactRepo.UpsertGroup(tx, &group)
	case EntityUser:
		var user model.User
		if err := json.Unmarshal(item, &user); err != nil {
			return err
		}
		return e.contactRepo.UpsertUser(tx, &user)
	case EntityGroupMember:
		var member model.GroupMember
		if err := json.Unmarshal(item, &member); err != nil {
			return err
		}
		return e.contactRepo.UpsertGroupMember(tx, &member)
	case EntityRobot:
		var robot model.Robot
		if err := json.Unmarshal(item, &robot); err != nil {
			return err
		}
		return e.contactRepo.UpsertRobot(tx, &robot)
	case EntityReminder:
		var reminder model.Reminder
		if err := json.Unmarshal(item, &reminder); err != nil {
			return err
		}
		return e.extraRepo.UpsertReminder(tx, &reminder)
	default:
		return errors.InvalidParameter("entity_type", "unknown entity kind: "+string(kind))
	}
}
