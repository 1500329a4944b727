package model

import (
	"gorm.io/datatypes"
)

type UserRole string

const (
	RoleOwner UserRole = "OWNER"
	RoleBuyer UserRole = "BUYER"
)

func (r UserRole) Valid() bool {
	return r == RoleOwner || r == RoleBuyer
}

// Product 商品，alternatives 为递归的备选商品
type Product struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Photo        *string   `json:"photo"`
	Note         *string   `json:"note"`
	Got          bool      `json:"got"`
	Alternatives []Product `json:"alternatives,omitempty"`
}

// Card 共享购物清单
type Card struct {
	UUIDBase
	Name     string                      `gorm:"size:200;not null" json:"name"`
	Notes    string                      `gorm:"type:text" json:"notes,omitempty"`
	Products datatypes.JSONSlice[Product] `json:"products"`
	IsDone   bool                        `gorm:"default:false" json:"isDone"`
}

func (Card) TableName() string {
	return "cards"
}

// CardShare 用户到卡片的共享边，带角色
type CardShare struct {
	UserID string   `gorm:"primaryKey;type:varchar(36)" json:"-"`
	CardID string   `gorm:"primaryKey;type:varchar(36);index" json:"cardId"`
	Role   UserRole `gorm:"size:16;not null" json:"role"`
}

func (CardShare) TableName() string {
	return "card_shares"
}

// CardView 附带调用者角色的卡片
type CardView struct {
	Card
	UserRole UserRole `json:"userRole"`
}

// AssignProductIDs 为缺少 id 的商品（含备选）生成 id
func AssignProductIDs(products []Product) {
	for i := range products {
		if products[i].ID == "" {
			products[i].ID = GenerateUUID()
		}
		AssignProductIDs(products[i].Alternatives)
	}
}
