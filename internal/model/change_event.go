package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	CollectionUsers = "users"
	CollectionCards = "cards"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// 用户文档字段路径
const (
	FieldFriends  = "friends"
	FieldRequests = "requests"
	FieldCards    = "cards"
	FieldName     = "name"
	FieldEmail    = "email"
)

const (
	ChangePending = "pending"
	ChangeDone    = "done"
)

// ChangeEvent 变更流 outbox 记录，与业务写入处于同一事务
type ChangeEvent struct {
	ID            uint64                      `gorm:"primaryKey;autoIncrement" json:"id"`
	Collection    string                      `gorm:"size:32;not null;index" json:"collection"`
	OperationType string                      `gorm:"size:16;not null" json:"operationType"`
	DocumentID    string                      `gorm:"type:varchar(36)" json:"documentId"`
	Fields        datatypes.JSONSlice[string] `json:"changedFieldPaths"`
	Status        string                      `gorm:"size:16;not null;default:'pending';index" json:"-"`
	Attempts      int                         `gorm:"default:0" json:"-"`
	CreatedAt     time.Time                   `json:"createdAt"`
	UpdatedAt     time.Time                   `json:"-"`
}

func (ChangeEvent) TableName() string {
	return "change_events"
}

// CardSharePath 卡片共享边的字段子路径
func CardSharePath(cardID string) string {
	return FieldCards + "." + cardID
}
