package controller

import (
	"buylist_backend/internal/model"
	"buylist_backend/internal/service"
	"buylist_backend/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
)

type CardController struct {
	CardService *service.CardService
}

func NewCardController(cardService *service.CardService) *CardController {
	return &CardController{CardService: cardService}
}

type CardRequest struct {
	Card service.CardInput `json:"card" binding:"required"`
}

type ShareCardRequest struct {
	UserID string         `json:"userId" binding:"required"`
	Role   model.UserRole `json:"role"`
}

// GetCards godoc
// @Summary 可访问的卡片
// @Description 返回共享给当前用户的卡片及其角色
// @Tags 卡片
// @Produce json
// @Security ApiKeyAuth
// @Router /api/cards [get]
func (ctrl *CardController) GetCards(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	cards, err := ctrl.CardService.ListAccessibleCards(c.Request.Context(), userID)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"cards": cards})
}

func (ctrl *CardController) GetCard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	card, err := ctrl.CardService.GetCard(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"card": card})
}

func (ctrl *CardController) CreateCard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req CardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	card, err := ctrl.CardService.CreateCard(c.Request.Context(), userID, req.Card)
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Created(c, gin.H{"card": card})
}

func (ctrl *CardController) UpdateCard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req CardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	card, err := ctrl.CardService.UpdateCard(c.Request.Context(), userID, c.Param("id"), req.Card)
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"card": card})
}

func (ctrl *CardController) DeleteCard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	card, err := ctrl.CardService.DeleteCard(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"card": card})
}

// ShareCard godoc
// @Summary 共享卡片
// @Description 为目标用户设置卡片角色，默认 BUYER
// @Tags 卡片
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "卡片ID"
// @Param request body ShareCardRequest true "共享信息"
// @Router /api/cards/{id}/share [post]
func (ctrl *CardController) ShareCard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req ShareCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = model.RoleBuyer
	}
	if err := ctrl.CardService.ShareCard(c.Request.Context(), userID, c.Param("id"), req.UserID, req.Role); err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"shared": true})
}

func (ctrl *CardController) UnshareCard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := ctrl.CardService.UnshareCard(c.Request.Context(), userID, c.Param("id"), c.Param("userId")); err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"unshared": true})
}

// UploadPhoto 商品图片上传，表单字段 file
func (ctrl *CardController) UploadPhoto(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, util.MaxPhotoSize+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		util.BadRequest(c, "file is required")
		return
	}

	src, err := file.Open()
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	defer src.Close()

	mimeType, err := util.ValidateMimeType(src, []string{util.MimeImage})
	if err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	if _, err := src.Seek(0, 0); err != nil {
		util.LogInternalError(c, err)
		return
	}

	url, err := ctrl.CardService.UploadProductPhoto(c.Request.Context(), userID, c.Param("id"), file.Filename, src, file.Size, mimeType)
	if err != nil {
		util.HandleServiceError(c, err)
		return
	}
	util.Success(c, gin.H{"url": url})
}
