package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"site-license-manager/internal/config"
	"site-license-manager/internal/model"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// sheetColumns 导出表的列，第一列为许可证密钥
var sheetColumns = []string{
	"License Key", "Status", "Expiration Date", "Product", "Client Name", "Client Email",
	"Multi Domain", "Usage URLs", "Plugin Name", "Plugin Version", "Created At", "Updated At",
}

// SheetSyncService 将许可证导出到 Google Sheets，只写不读
type SheetSyncService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *slog.Logger
}

// NewSheetSyncService 未启用时返回 nil，nil 上的方法均为空操作
func NewSheetSyncService(ctx context.Context, cfg config.SheetsConfig, logger *slog.Logger) (*SheetSyncService, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	// 读取凭证文件
	b, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("读取凭证文件失败: %w", err)
	}

	// 使用服务账号授权
	creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("无法加载凭证: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("创建 Sheets 客户端失败: %w", err)
	}

	return &SheetSyncService{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		logger:        logger.With("component", "sheet_sync"),
	}, nil
}

// SyncLicense 存在该密钥的行则更新，否则追加
func (s *SheetSyncService) SyncLicense(ctx context.Context, rec *model.LicenseRecord) error {
	if s == nil {
		return nil
	}

	keyResp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetRange("A2:A")).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("查询Sheet数据失败: %w", err)
	}

	values := [][]interface{}{licenseRow(rec)}
	if row, found := findRow(keyResp.Values, rec.LicenseKey); found {
		_, err = s.service.Spreadsheets.Values.Update(
			s.spreadsheetID,
			s.sheetRange(fmt.Sprintf("A%d:%s%d", row, lastColumn(), row)),
			&sheets.ValueRange{Values: values},
		).ValueInputOption("RAW").Context(ctx).Do()
	} else {
		_, err = s.service.Spreadsheets.Values.Append(
			s.spreadsheetID,
			s.sheetRange("A2:"+lastColumn()),
			&sheets.ValueRange{Values: values},
		).ValueInputOption("RAW").Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("同步到Google Sheet失败: %w", err)
	}

	s.logger.Info("许可证已同步到 Google Sheet", "license_key", rec.LicenseKey)
	return nil
}

// BatchSyncLicenses 用全部许可证覆盖工作表
func (s *SheetSyncService) BatchSyncLicenses(ctx context.Context, records []model.LicenseRecord) error {
	if s == nil {
		return nil
	}

	values := make([][]interface{}, 0, len(records)+1)
	header := make([]interface{}, len(sheetColumns))
	for i, c := range sheetColumns {
		header[i] = c
	}
	values = append(values, header)
	for i := range records {
		values = append(values, licenseRow(&records[i]))
	}

	if _, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.sheetRange("A:"+lastColumn()),
		&sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("清空工作表失败: %w", err)
	}
	if _, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.sheetRange("A1"),
		&sheets.ValueRange{Values: values}).ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return fmt.Errorf("批量同步许可证失败: %w", err)
	}
	s.logger.Info("批量同步完成", "count", len(records))
	return nil
}

func (s *SheetSyncService) sheetRange(r string) string {
	return fmt.Sprintf("'%s'!%s", s.sheetName, r)
}

func lastColumn() string {
	return string(rune('A' + len(sheetColumns) - 1))
}

// findRow 返回密钥所在行号（从第 2 行开始计数）
func findRow(values [][]interface{}, key string) (int, bool) {
	for i, row := range values {
		if len(row) > 0 && fmt.Sprint(row[0]) == key {
			return i + 2, true
		}
	}
	return 0, false
}

func licenseRow(rec *model.LicenseRecord) []interface{} {
	urls := rec.UsageURL
	if rec.MultiDomain {
		sites := make([]string, len(rec.UsageURLs))
		for i, b := range rec.UsageURLs {
			sites[i] = b.SiteURL
		}
		urls = strings.Join(sites, "\n")
	}
	pluginVersion := rec.Telemetry.PluginVersion
	if rec.MultiDomain && len(rec.UsageURLs) > 0 {
		pluginVersion = rec.UsageURLs[len(rec.UsageURLs)-1].PluginVersion
	}
	multi := "No"
	if rec.MultiDomain {
		multi = "Yes"
	}
	return []interface{}{
		rec.LicenseKey,
		string(rec.Status),
		rec.ExpirationDateString(),
		rec.ProductID,
		rec.ClientName,
		rec.ClientEmail,
		multi,
		urls,
		rec.PluginName,
		pluginVersion,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
