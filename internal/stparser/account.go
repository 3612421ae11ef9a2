package stparser

import (
	"regexp"
	"strings"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/models"
)

// Account field keys templates may declare under account_info.fields.
const (
	AccountFieldHolder = "holder"
	AccountFieldNumber = "number"
	AccountFieldType   = "account_type"
	AccountFieldBranch = "branch"
	AccountFieldPeriod = "period"
)

// defaultAccountWindow is how many rows after the account-info marker are
// scanned when the template does not set a window.
const defaultAccountWindow = 20

// ExtractAccountInfo pulls statement-level metadata from the account-info
// region. The region starts at the first row containing the template's
// start marker; without a marker the document head is scanned. Each
// declared field regex captures its value from the first matching row.
func ExtractAccountInfo(rows []Row, cfg *config.Effective) models.AccountInfo {
	var info models.AccountInfo
	if len(cfg.AccountInfo.Fields) == 0 {
		return info
	}

	window := cfg.AccountInfo.Window
	if window <= 0 {
		window = defaultAccountWindow
	}

	start := 0
	if marker := cfg.AccountInfo.StartMarker; marker != "" {
		for i, row := range rows {
			if strings.Contains(row.Text, marker) {
				start = i
				break
			}
		}
	}
	end := start + window
	if end > len(rows) {
		end = len(rows)
	}

	for key, pattern := range cfg.AccountInfo.Fields {
		// Validated at template load.
		re := regexp.MustCompile(pattern)
		for _, row := range rows[start:end] {
			m := re.FindStringSubmatch(row.Text)
			if m == nil {
				continue
			}
			value := strings.TrimSpace(m[len(m)-1])
			if value == "" {
				continue
			}
			switch key {
			case AccountFieldHolder:
				info.Holder = value
			case AccountFieldNumber:
				info.Number = value
			case AccountFieldType:
				info.AccountType = value
			case AccountFieldBranch:
				info.Branch = value
			case AccountFieldPeriod:
				info.Period = value
			}
			break
		}
	}
	return info
}
