package model

// User 用户。好友、卡片共享与请求分别存放在 friend_edges / card_shares / user_requests 中，
// 对应文档模型里内嵌的 friends / cards / requests 集合。
type User struct {
	UUIDBase
	Name     string `gorm:"size:100;not null" json:"userName"`
	Email    string `gorm:"size:100;uniqueIndex;not null" json:"email"`
	Password string `gorm:"size:100;not null" json:"-"`
}

func (User) TableName() string {
	return "users"
}

// UserSummary 对外暴露的用户信息
type UserSummary struct {
	ID   string `json:"id"`
	Name string `json:"userName"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name}
}
