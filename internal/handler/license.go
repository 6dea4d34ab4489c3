package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"site-license-manager/internal/binding"
	"site-license-manager/internal/database"
	"site-license-manager/internal/lifecycle"
	"site-license-manager/internal/model"
	"site-license-manager/internal/service"

	"github.com/gofiber/fiber/v2"
)

const maxKeyAttempts = 3

// licenseView 管理端返回的许可证，附带按当前时间计算的状态
type licenseView struct {
	model.LicenseRecord
	EffectiveStatus model.Status `json:"effective_status"`
}

func (h *Handler) view(rec *model.LicenseRecord) licenseView {
	return licenseView{LicenseRecord: *rec, EffectiveStatus: lifecycle.EffectiveStatus(rec, h.clock.Now())}
}

// HandleGetAllLicenses 管理员分页获取许可证
func (h *Handler) HandleGetAllLicenses(c *fiber.Ctx) error {
	page, pageSize := pagination(c)
	status := model.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		return fail(c, fiber.StatusBadRequest, "无效的状态")
	}

	records, total, err := h.store.List(c.UserContext(), database.LicenseFilter{
		Status:   status,
		Keyword:  c.Query("keyword"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.logger.Error("获取许可证列表失败", "error", err)
		return fail(c, fiber.StatusInternalServerError, "获取许可证数据失败")
	}

	views := make([]licenseView, len(records))
	for i := range records {
		views[i] = h.view(&records[i])
	}
	return c.JSON(fiber.Map{
		"licenses": views,
		"total":    total,
		"page":     page,
		"size":     pageSize,
	})
}

// HandleLicenseIssue 签发许可证，未提供密钥时自动生成
func (h *Handler) HandleLicenseIssue(c *fiber.Ctx) error {
	input := new(model.LicenseInput)
	if err := c.BodyParser(input); err != nil {
		return fail(c, fiber.StatusBadRequest, "无效的输入数据")
	}
	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "输入校验失败",
			"details": err.Error(),
		})
	}

	rec := &model.LicenseRecord{
		ProductID:   input.ProductID,
		ClientName:  input.ClientName,
		ClientEmail: input.ClientEmail,
		Status:      model.StatusNew,
		MultiDomain: input.MultiDomain,
	}
	rec.ExpirationDate, _ = parseDate(input.ExpirationDate)
	if input.PurchaseDate != "" {
		purchased, _ := parseDate(input.PurchaseDate)
		rec.PurchaseDate = &purchased
	}
	if input.Status != "" {
		rec.Status = model.Status(input.Status)
	}

	ctx := c.UserContext()
	generated := input.LicenseKey == ""
	for attempt := 0; ; attempt++ {
		rec.LicenseKey = input.LicenseKey
		if generated {
			key, err := h.engine.GenerateKey()
			if err != nil {
				return err
			}
			rec.LicenseKey = key
		}
		err := h.store.Create(ctx, rec)
		if err == nil {
			break
		}
		if errors.Is(err, database.ErrDuplicateKey) {
			if generated && attempt+1 < maxKeyAttempts {
				continue
			}
			return fail(c, fiber.StatusConflict, "许可证密钥已存在")
		}
		h.logger.Error("创建许可证失败", "error", err)
		return fail(c, fiber.StatusInternalServerError, "创建许可证失败")
	}

	if generated {
		h.audit.LogOperation(currentUserID(c), "generate_key", rec.LicenseKey,
			fmt.Sprintf("License key generated for License #%d", rec.ID))
	}
	h.audit.LogOperation(currentUserID(c), "issue", rec.LicenseKey,
		fmt.Sprintf("License #%d issued to %s", rec.ID, rec.ClientName))
	h.syncSheet(*rec)

	return c.Status(fiber.StatusCreated).JSON(h.view(rec))
}

// HandleGetLicense 获取单个许可证
func (h *Handler) HandleGetLicense(c *fiber.Ctx) error {
	rec, err := h.store.FindByKey(c.UserContext(), c.Params("key"))
	if errors.Is(err, database.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, "许可证不存在")
	}
	if err != nil {
		return err
	}
	return c.JSON(h.view(rec))
}

var errUsageURLMultiDomain = errors.New("多域名许可证不能设置单个使用 URL")

// HandleLicenseUpdate 更新许可证信息；管理员设置的状态不受自动流转限制
func (h *Handler) HandleLicenseUpdate(c *fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return fail(c, fiber.StatusBadRequest, "许可证密钥不能为空")
	}

	input := new(model.LicenseUpdateInput)
	if err := c.BodyParser(input); err != nil {
		return fail(c, fiber.StatusBadRequest, "无效的输入数据")
	}
	if err := h.validateUpdate(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "输入校验失败",
			"details": err.Error(),
		})
	}

	rec, err := h.updateLicense(c.UserContext(), key, input)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return fail(c, fiber.StatusNotFound, "许可证不存在")
	case errors.Is(err, errUsageURLMultiDomain):
		return fail(c, fiber.StatusBadRequest, err.Error())
	case err != nil:
		h.logger.Error("更新许可证失败", "license_key", key, "error", err)
		return fail(c, fiber.StatusInternalServerError, "更新许可证失败")
	}

	h.audit.LogOperation(currentUserID(c), "update", rec.LicenseKey,
		fmt.Sprintf("License #%d updated", rec.ID))
	h.syncSheet(*rec)

	return c.JSON(fiber.Map{
		"message": "许可证更新成功",
		"license": h.view(rec),
	})
}

func (h *Handler) validateUpdate(input *model.LicenseUpdateInput) error {
	if err := h.validate.Struct(input); err != nil {
		return err
	}
	for name, rule := range input.UpdateRules() {
		if err := h.validate.Var(rule.Value, rule.Tag); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// updateLicense 与校验请求共用按密钥的锁，版本冲突时重新读取
func (h *Handler) updateLicense(ctx context.Context, key string, input *model.LicenseUpdateInput) (*model.LicenseRecord, error) {
	unlock := h.locker.Lock(key)
	defer unlock()

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		rec, err := h.store.FindByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := applyUpdate(rec, input); err != nil {
			return nil, err
		}
		err = h.store.Save(ctx, rec)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, database.ErrConflict
}

func applyUpdate(rec *model.LicenseRecord, input *model.LicenseUpdateInput) error {
	if input.ProductID != nil {
		rec.ProductID = *input.ProductID
	}
	if input.ClientName != nil {
		rec.ClientName = *input.ClientName
	}
	if input.ClientEmail != nil {
		rec.ClientEmail = *input.ClientEmail
	}
	if input.PurchaseDate != nil {
		if *input.PurchaseDate == "" {
			rec.PurchaseDate = nil
		} else {
			purchased, _ := parseDate(*input.PurchaseDate)
			rec.PurchaseDate = &purchased
		}
	}
	if input.ExpirationDate != nil && *input.ExpirationDate != "" {
		rec.ExpirationDate, _ = parseDate(*input.ExpirationDate)
	}
	if input.Status != nil && *input.Status != "" {
		rec.Status = model.Status(*input.Status)
	}
	if input.MultiDomain != nil {
		binding.SwitchMode(rec, *input.MultiDomain)
	}
	if input.UsageURL != nil {
		if rec.MultiDomain {
			return errUsageURLMultiDomain
		}
		// 置空即解除绑定，之后任意站点可重新绑定
		rec.UsageURL = *input.UsageURL
	}
	return nil
}

// HandleLicenseUsage 获取许可证的校验调用记录
func (h *Handler) HandleLicenseUsage(c *fiber.Ctx) error {
	key := c.Params("key")
	if _, err := h.store.FindByKey(c.UserContext(), key); errors.Is(err, database.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, "许可证不存在")
	} else if err != nil {
		return err
	}

	page, pageSize := pagination(c)
	usages, total, err := h.audit.GetLicenseUsage(c.UserContext(), key, page, pageSize)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "获取使用记录失败")
	}
	return c.JSON(fiber.Map{
		"usages": usages,
		"total":  total,
		"page":   page,
		"size":   pageSize,
	})
}

// HandleReconcile 立即执行一次过期清理
func (h *Handler) HandleReconcile(c *fiber.Ctx) error {
	res, err := h.sweeper.RunOnce(c.UserContext())
	if errors.Is(err, service.ErrSweepInProgress) {
		return fail(c, fiber.StatusConflict, "过期清理正在运行")
	}
	if err != nil {
		h.logger.Error("过期清理失败", "error", err)
		return fail(c, fiber.StatusInternalServerError, "过期清理失败")
	}
	h.audit.LogOperation(currentUserID(c), "reconcile", "",
		fmt.Sprintf("Manual expiration sweep: %d of %d licenses marked as expired", res.Expired, res.Scanned))
	return c.JSON(res)
}

// HandleSheetExport 用全部许可证覆盖 Google Sheet
func (h *Handler) HandleSheetExport(c *fiber.Ctx) error {
	if h.sheets == nil {
		return fail(c, fiber.StatusServiceUnavailable, "表格同步未启用")
	}
	records, err := h.store.ListAll(c.UserContext())
	if err != nil {
		return err
	}
	if err := h.sheets.BatchSyncLicenses(c.UserContext(), records); err != nil {
		h.logger.Error("导出到表格失败", "error", err)
		return fail(c, fiber.StatusBadGateway, "导出到表格失败")
	}
	return c.JSON(fiber.Map{
		"exported": len(records),
	})
}

func parseDate(s string) (time.Time, error) {
	return time.ParseInLocation(model.DateLayout, s, time.UTC)
}
