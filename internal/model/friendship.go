package model

import "time"

// FriendEdge 好友边，每对好友存两条（双向）
type FriendEdge struct {
	OwnerID    string    `gorm:"primaryKey;type:varchar(36)" json:"-"`
	FriendID   string    `gorm:"primaryKey;type:varchar(36)" json:"userId"`
	FriendName string    `gorm:"size:100" json:"userName"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (FriendEdge) TableName() string {
	return "friend_edges"
}

type RequestKind string

const (
	RequestBecomeFriend RequestKind = "BECOME FRIEND"
)

// UserRequest 待处理请求，只存放在目标用户名下
type UserRequest struct {
	ID         string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID    string      `gorm:"type:varchar(36);not null;uniqueIndex:idx_request_pair,priority:1" json:"-"`
	Kind       RequestKind `gorm:"size:32;not null;uniqueIndex:idx_request_pair,priority:2" json:"name"`
	FromUserID string      `gorm:"type:varchar(36);not null;uniqueIndex:idx_request_pair,priority:3" json:"from"`
	Text       string      `gorm:"size:255" json:"text,omitempty"`
	CreatedAt  time.Time   `gorm:"autoCreateTime" json:"createdAt"`
}

func (UserRequest) TableName() string {
	return "user_requests"
}

// RequestView 推送/列表用的请求视图，附带请求人名称
type RequestView struct {
	ID           string      `json:"id"`
	Kind         RequestKind `json:"name"`
	FromUserID   string      `json:"from"`
	FromUserName string      `json:"fromUserName,omitempty"`
	Text         string      `json:"text,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// AsymmetricEdge 单向好友边（对端缺失）
type AsymmetricEdge struct {
	OwnerID  string
	FriendID string
}
