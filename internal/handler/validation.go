package handler

import (
	"errors"

	"site-license-manager/internal/binding"
	"site-license-manager/internal/database"
	"site-license-manager/internal/model"
	"site-license-manager/internal/service"

	"github.com/gofiber/fiber/v2"
)

const (
	msgStatusRetrieved = "License status retrieved successfully."
	msgOtherDomain     = "License already activated on another domain."
	msgNoRoute         = "The requested route does not exist."
	msgInternal        = "Internal server error."
)

// CheckLicenseQuery 客户端部署上报的参数，除 license_key 外均可选
type CheckLicenseQuery struct {
	LicenseKey     string `query:"license_key"`
	SiteURL        string `query:"site_url"`
	HostAppVersion string `query:"host_app_version"`
	WPVersion      string `query:"wp_version"`
	PluginName     string `query:"plugin_name"`
	PluginVersion  string `query:"plugin_version"`
	WebServer      string `query:"web_server"`
	ServerIP       string `query:"server_ip"`
	RuntimeVersion string `query:"runtime_version"`
	PHPVersion     string `query:"php_version"`
	UserIP         string `query:"user_ip"`
	Browser        string `query:"browser"`
	DeviceType     string `query:"device_type"`
	OS             string `query:"os"`
}

func (q *CheckLicenseQuery) telemetry() model.Telemetry {
	return model.Telemetry{
		HostAppVersion: firstNonEmpty(q.HostAppVersion, q.WPVersion),
		PluginVersion:  q.PluginVersion,
		WebServer:      q.WebServer,
		ServerIP:       q.ServerIP,
		RuntimeVersion: firstNonEmpty(q.RuntimeVersion, q.PHPVersion),
		UserIP:         q.UserIP,
		Browser:        q.Browser,
		DeviceType:     q.DeviceType,
		OS:             q.OS,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// HandleCheckLicense 许可证状态查询，调用方已通过 Basic 认证
func (h *Handler) HandleCheckLicense(c *fiber.Ctx) error {
	query := new(CheckLicenseQuery)
	// 格式错误的可选参数直接忽略
	_ = c.QueryParser(query)

	res, err := h.validation.Check(c.UserContext(), service.CheckRequest{
		LicenseKey: query.LicenseKey,
		SiteURL:    query.SiteURL,
		PluginName: query.PluginName,
		Telemetry:  query.telemetry(),
		RemoteIP:   c.IP(),
		UserAgent:  c.Get(fiber.HeaderUserAgent),
	})
	switch {
	case errors.Is(err, database.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"status":  "rest_no_route",
			"message": msgNoRoute,
		})
	case errors.Is(err, binding.ErrBindingRejected):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"status":  "error",
			"message": msgOtherDomain,
		})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": msgInternal,
		})
	}

	return c.JSON(checkLicenseResponse(res.Record, res.Status))
}

func checkLicenseResponse(rec *model.LicenseRecord, status model.Status) fiber.Map {
	t := rec.Telemetry
	resp := fiber.Map{
		"status":           status,
		"expiration_date":  rec.ExpirationDateString(),
		"message":          msgStatusRetrieved,
		"multi_domain":     rec.MultiDomain,
		"plugin_name":      rec.PluginName,
		"host_app_version": t.HostAppVersion,
		"plugin_version":   t.PluginVersion,
		"web_server":       t.WebServer,
		"server_ip":        t.ServerIP,
		"runtime_version":  t.RuntimeVersion,
		"user_ip":          t.UserIP,
		"browser":          t.Browser,
		"device_type":      t.DeviceType,
		"os":               t.OS,
		// 旧版客户端字段
		"wp_version":  t.HostAppVersion,
		"php_version": t.RuntimeVersion,
	}
	if rec.MultiDomain {
		bindings := rec.UsageURLs
		if bindings == nil {
			bindings = []model.Binding{}
		}
		resp["usage_urls"] = bindings
	} else {
		resp["usage_url"] = rec.UsageURL
	}
	return resp
}
