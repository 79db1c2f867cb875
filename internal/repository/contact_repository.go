package repository

import (
	stderrors "errors"

	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContactRepository 联系人数据仓储（用户、好友、群组、群成员、机器人）
type ContactRepository struct {
	store *db.Store
}

// NewContactRepository 创建ContactRepository实例
func NewContactRepository(store *db.Store) *ContactRepository {
	return &ContactRepository{store: store}
}

// GetUser 获取用户
func (r *ContactRepository) GetUser(uid uint64) (*model.User, error) {
	var user model.User
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("uid = ?", uid).First(&user).Error
	})
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindDatabase, "query user", err)
	}
	return &user, nil
}

// UpsertUser 实体同步落库
func (r *ContactRepository) UpsertUser(tx *gorm.DB, user *model.User) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"username", "nickname", "avatar", "version", "updated_at"}),
	}).Create(user).Error
}

// ListFriends 好友列表
func (r *ContactRepository) ListFriends() ([]*model.Friend, error) {
	var friends []*model.Friend
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Order("pinned DESC, created_at DESC").Find(&friends).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "list friends", err)
	}
	return friends, nil
}

// UpsertFriend 实体同步落库
func (r *ContactRepository) UpsertFriend(tx *gorm.DB, friend *model.Friend) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"remark", "tags", "pinned", "version", "updated_at"}),
	}).Create(friend).Error
}

// DeleteFriend 删除好友关系（不动user行）
func (r *ContactRepository) DeleteFriend(uid uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("uid = ?", uid).Delete(&model.Friend{}).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "delete friend", err)
	}
	return nil
}

// GetGroup 获取群组
func (r *ContactRepository) GetGroup(groupID uint64) (*model.Group, error) {
	var group model.Group
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("group_id = ?", groupID).First(&group).Error
	})
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindDatabase, "query group", err)
	}
	return &group, nil
}

// ListGroups 群组列表（不含已解散）
func (r *ContactRepository) ListGroups() ([]*model.Group, error) {
	var groups []*model.Group
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("dismissed = ?", false).Order("created_at DESC").Find(&groups).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "list groups", err)
	}
	return groups, nil
}

// UpsertGroup 实体同步落库
func (r *ContactRepository) UpsertGroup(tx *gorm.DB, group *model.Group) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"name", "avatar", "owner_uid", "dismissed", "version", "updated_at"}),
	}).Create(group).Error
}

// UpsertGroupMember 实体同步落库
func (r *ContactRepository) UpsertGroupMember(tx *gorm.DB, member *model.GroupMember) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "group_id"}, {Name: "uid"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"role", "status", "version", "updated_at"}),
	}).Create(member).Error
}

// ListGroupMembers 群成员列表（不含已退出）
func (r *ContactRepository) ListGroupMembers(groupID uint64) ([]*model.GroupMember, error) {
	var members []*model.GroupMember
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("group_id = ? AND status = 0", groupID).Find(&members).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "list group members", err)
	}
	return members, nil
}

// UpsertRobot 实体同步落库
func (r *ContactRepository) UpsertRobot(tx *gorm.DB, robot *model.Robot) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "robot_id"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"username", "inline_on", "version", "updated_at"}),
	}).Create(robot).Error
}

// UpsertRobotMenu 实体同步落库
// 菜单项无服务端唯一键，按(robot_id, cmd)整体重建
func (r *ContactRepository) UpsertRobotMenu(tx *gorm.DB, menu *model.RobotMenu) error {
	if err := tx.Where("robot_id = ? AND cmd = ?", menu.RobotID, menu.CMD).
		Delete(&model.RobotMenu{}).Error; err != nil {
		return err
	}
	return tx.Create(menu).Error
}
