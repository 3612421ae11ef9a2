package stparser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/insightdelivered/statement-engine/internal/config"
)

func accountConfig() *config.Effective {
	return &config.Effective{
		Code: "demo",
		AccountInfo: config.AccountInfoSpec{
			StartMarker: "户名",
			Window:      5,
			Fields: map[string]string{
				AccountFieldHolder: `户名[:：]\s*(\S+)`,
				AccountFieldNumber: `账号[:：]\s*(\d{8,25})`,
				AccountFieldPeriod: `查询期间[:：]\s*(\S+)`,
			},
		},
	}
}

func TestExtractAccountInfo(t *testing.T) {
	rows := []Row{
		{Text: "九江银行个人账户交易明细"},
		{Text: "户名：张三  账号：6222020200112233445"},
		{Text: "查询期间：20240101-20240331"},
	}

	info := ExtractAccountInfo(rows, accountConfig())
	assert.Equal(t, "张三", info.Holder)
	assert.Equal(t, "6222020200112233445", info.Number)
	assert.Equal(t, "20240101-20240331", info.Period)
}

func TestExtractAccountInfoRespectsWindow(t *testing.T) {
	rows := []Row{
		{Text: "户名：张三"},
		{Text: "filler"},
		{Text: "filler"},
		{Text: "filler"},
		{Text: "filler"},
		// Past the 5-row window from the marker.
		{Text: "账号：6222020200112233445"},
	}

	info := ExtractAccountInfo(rows, accountConfig())
	assert.Equal(t, "张三", info.Holder)
	assert.Empty(t, info.Number)
}

func TestExtractAccountInfoNoFieldsDeclared(t *testing.T) {
	info := ExtractAccountInfo([]Row{{Text: "户名：张三"}}, &config.Effective{Code: "bare"})
	assert.Empty(t, info.Holder)
}

func TestExtractAccountInfoWithoutMarkerScansHead(t *testing.T) {
	cfg := accountConfig()
	cfg.AccountInfo.StartMarker = ""
	rows := []Row{
		{Text: "对账单"},
		{Text: "户名：李四"},
	}
	info := ExtractAccountInfo(rows, cfg)
	assert.Equal(t, "李四", info.Holder)
}
