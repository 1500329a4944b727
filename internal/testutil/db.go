// Package testutil 提供测试用的内存数据库
package testutil

import (
	"buylist_backend/internal/model"
	"buylist_backend/pkg/database"
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 打开单连接的内存 SQLite 并建表
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// CreateUser 直接插入用户，不记录变更
func CreateUser(t *testing.T, db *gorm.DB, name string) *model.User {
	t.Helper()
	u := &model.User{Name: name, Email: name + "@example.com", Password: "x"}
	require.NoError(t, db.Create(u).Error)
	return u
}

// MakeFriends 直接插入双向好友边
func MakeFriends(t *testing.T, db *gorm.DB, a, b *model.User) {
	t.Helper()
	require.NoError(t, db.Create(&model.FriendEdge{OwnerID: a.ID, FriendID: b.ID, FriendName: b.Name}).Error)
	require.NoError(t, db.Create(&model.FriendEdge{OwnerID: b.ID, FriendID: a.ID, FriendName: a.Name}).Error)
}

// CreateCard 插入卡片
func CreateCard(t *testing.T, db *gorm.DB, name string) *model.Card {
	t.Helper()
	c := &model.Card{Name: name}
	require.NoError(t, db.Create(c).Error)
	return c
}

// Share 插入共享边
func Share(t *testing.T, db *gorm.DB, user *model.User, card *model.Card, role model.UserRole) {
	t.Helper()
	require.NoError(t, db.Create(&model.CardShare{UserID: user.ID, CardID: card.ID, Role: role}).Error)
}

// FriendIDs 读出 owner 的好友 id
func FriendIDs(t *testing.T, db *gorm.DB, ownerID string) []string {
	t.Helper()
	var ids []string
	require.NoError(t, db.WithContext(context.Background()).Model(&model.FriendEdge{}).
		Where("owner_id = ?", ownerID).Order("friend_id").Pluck("friend_id", &ids).Error)
	return ids
}

// ShareRoles 读出用户的卡片角色
func ShareRoles(t *testing.T, db *gorm.DB, userID string) map[string]model.UserRole {
	t.Helper()
	var shares []model.CardShare
	require.NoError(t, db.Where("user_id = ?", userID).Find(&shares).Error)
	out := make(map[string]model.UserRole, len(shares))
	for _, s := range shares {
		out[s.CardID] = s.Role
	}
	return out
}

// PendingChanges 读出尚未投递的变更
func PendingChanges(t *testing.T, db *gorm.DB) []model.ChangeEvent {
	t.Helper()
	var events []model.ChangeEvent
	require.NoError(t, db.Where("status = ?", model.ChangePending).Order("id").Find(&events).Error)
	return events
}
