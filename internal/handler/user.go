package handler

import (
	"errors"

	"site-license-manager/internal/model"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,nefield=CurrentPassword"`
}

func (h *Handler) HandleUserLogin(c *fiber.Ctx) error {
	input := new(LoginInput)
	if err := c.BodyParser(input); err != nil || h.validate.Struct(input) != nil {
		return fail(c, fiber.StatusBadRequest, "无效的输入数据")
	}

	var user model.User
	err := h.db.WithContext(c.UserContext()).Where("username = ?", input.Username).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.Password)) != nil {
		h.recordLogin(c, user.ID, input.Username, "failed")
		return fail(c, fiber.StatusUnauthorized, "用户名或密码错误")
	}

	// 记录登录日志
	h.recordLogin(c, user.ID, user.Username, "success")
	// 更新用户最后登录时间
	user.LastLogin = h.clock.Now()
	h.db.WithContext(c.UserContext()).Model(&user).Update("last_login", user.LastLogin)

	// 生成JWT令牌
	token, err := h.tokens.GenerateToken(user.ID, user.Role)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "令牌生成失败")
	}

	return c.JSON(fiber.Map{
		"token": token,
		"user": fiber.Map{
			"id":        user.ID,
			"username":  user.Username,
			"email":     user.Email,
			"role":      user.Role,
			"createdat": user.CreatedAt,
			"updatedat": user.UpdatedAt,
			"lastlogin": user.LastLogin,
		},
	})
}

func (h *Handler) recordLogin(c *fiber.Ctx, userID uint, username, status string) {
	loginLog := &model.LoginLog{
		UserID:    userID,
		Username:  username,
		IP:        c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Status:    status,
		CreatedAt: h.clock.Now(),
	}
	if err := h.db.WithContext(c.UserContext()).Create(loginLog).Error; err != nil {
		h.logger.Warn("记录登录日志失败", "username", username, "error", err)
	}
}

func (h *Handler) HandleUserInfo(c *fiber.Ctx) error {
	var user model.User
	result := h.db.WithContext(c.UserContext()).First(&user, currentUserID(c))
	if result.Error != nil {
		return fail(c, fiber.StatusNotFound, "用户不存在")
	}
	return c.JSON(user)
}

func (h *Handler) HandleGetLoginLogs(c *fiber.Ctx) error {
	page, pageSize := pagination(c)

	var logs []model.LoginLog
	var total int64

	db := h.db.WithContext(c.UserContext()).Model(&model.LoginLog{}).Where("user_id = ?", currentUserID(c))

	// 获取总数
	if err := db.Count(&total).Error; err != nil {
		return fail(c, fiber.StatusInternalServerError, "获取登录日志总数失败")
	}

	// 获取分页数据
	offset := (page - 1) * pageSize
	if err := db.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return fail(c, fiber.StatusInternalServerError, "获取登录日志失败")
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
		"size":  pageSize,
	})
}

func (h *Handler) HandleChangePassword(c *fiber.Ctx) error {
	input := new(ChangePasswordInput)
	if err := c.BodyParser(input); err != nil {
		return fail(c, fiber.StatusBadRequest, "无效的输入数据")
	}
	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "新密码不符合要求",
			"details": err.Error(),
		})
	}

	var user model.User
	if err := h.db.WithContext(c.UserContext()).First(&user, currentUserID(c)).Error; err != nil {
		return fail(c, fiber.StatusNotFound, "用户不存在")
	}

	// 验证当前密码
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.CurrentPassword)); err != nil {
		return fail(c, fiber.StatusUnauthorized, "当前密码错误")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "密码加密失败")
	}

	if err := h.db.WithContext(c.UserContext()).Model(&user).Update("password", string(hashedPassword)).Error; err != nil {
		return fail(c, fiber.StatusInternalServerError, "密码更新失败")
	}
	h.audit.LogOperation(user.ID, "change_password", "", "Password changed for user "+user.Username)

	return c.JSON(fiber.Map{
		"message": "密码更新成功",
	})
}

// HandleValidateToken 验证token的有效性
func (h *Handler) HandleValidateToken(c *fiber.Ctx) error {
	type TokenInput struct {
		Token string `json:"token"`
	}

	input := new(TokenInput)
	if err := c.BodyParser(input); err != nil {
		return fail(c, fiber.StatusBadRequest, "无效的输入数据")
	}

	if input.Token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "未提供token",
			"valid": false,
		})
	}

	userID, err := h.tokens.ValidateToken(input.Token)
	if err != nil {
		return c.JSON(fiber.Map{
			"valid": false,
			"error": "无效的token",
		})
	}

	// 检查用户是否存在
	var user model.User
	if err := h.db.WithContext(c.UserContext()).First(&user, userID).Error; err != nil {
		return c.JSON(fiber.Map{
			"valid": false,
			"error": "用户不存在",
		})
	}

	return c.JSON(fiber.Map{
		"valid": true,
		"user": fiber.Map{
			"id":       userID,
			"username": user.Username,
			"email":    user.Email,
			"role":     user.Role,
		},
	})
}
