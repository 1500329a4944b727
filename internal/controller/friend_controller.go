package controller

import (
	"buylist_backend/internal/service"
	"buylist_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// FriendController 好友关系与好友请求
type FriendController struct {
	Membership *service.MembershipService
}

func NewFriendController(membership *service.MembershipService) *FriendController {
	return &FriendController{Membership: membership}
}

type InviteRequest struct {
	Email string `json:"email" binding:"required,email"`
	Text  string `json:"text"`
}

type BecomeFriendRequest struct {
	UserID string `json:"userId" binding:"required"`
	Text   string `json:"text"`
}

type UnfriendManyRequest struct {
	UserIDs []string `json:"userIds"`
}

func currentUserID(c *gin.Context) (string, bool) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return "", false
	}
	return claims.UserID, true
}

// GetFriends godoc
// @Summary 好友列表
// @Tags 好友
// @Produce json
// @Security ApiKeyAuth
// @Router /api/friends [get]
func (ctrl *FriendController) GetFriends(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	friends, err := ctrl.Membership.ListFriends(c.Request.Context(), userID)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"friends": friends})
}

func (ctrl *FriendController) GetUser(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}
	user, err := ctrl.Membership.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"user": user})
}

func (ctrl *FriendController) GetRequests(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	requests, err := ctrl.Membership.ListRequests(c.Request.Context(), userID)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"requests": requests})
}

// Invite godoc
// @Summary 邀请好友
// @Description 邮箱已注册时发送好友请求，否则发送注册邀请
// @Tags 好友
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body InviteRequest true "邀请"
// @Router /api/friends/invite [post]
func (ctrl *FriendController) Invite(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	res, err := ctrl.Membership.Invite(c.Request.Context(), req.Email, userID, req.Text)
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, res)
}

func (ctrl *FriendController) BecomeFriend(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req BecomeFriendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	created, err := ctrl.Membership.Request(c.Request.Context(), req.UserID, userID, req.Text)
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	if created {
		util.Created(c, gin.H{"requested": true})
		return
	}
	util.Success(c, gin.H{"requested": true})
}

// ApproveRequest :id 为发起请求的用户
func (ctrl *FriendController) ApproveRequest(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := ctrl.Membership.Approve(c.Request.Context(), c.Param("id"), userID); err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"approved": true})
}

func (ctrl *FriendController) DeclineRequest(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := ctrl.Membership.Decline(c.Request.Context(), c.Param("id"), userID); err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"declined": true})
}

// Unfriend godoc
// @Summary 解除好友
// @Description 同时收回双方在共同卡片上的买家权限
// @Tags 好友
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "好友ID"
// @Router /api/friends/{id}/friendship [delete]
func (ctrl *FriendController) Unfriend(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	res, err := ctrl.Membership.Unfriend(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, res)
}

func (ctrl *FriendController) UnfriendMany(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req UnfriendManyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	res, err := ctrl.Membership.UnfriendMany(c.Request.Context(), req.UserIDs, userID)
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, res)
}
