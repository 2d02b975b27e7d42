package recon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"reconbackend/domain"
)

// WriteReportXLSX 把对账结果导出为两表 xlsx：对账摘要 + 差异明细。
func WriteReportXLSX(result *domain.Result, outPath string) error {
	if result == nil {
		return errors.New("对账结果为空")
	}
	if strings.TrimSpace(outPath) == "" {
		return errors.New("输出路径为空")
	}

	f := excelize.NewFile()
	defSheet := f.GetSheetName(0)
	if defSheet == "" {
		defSheet = "Sheet1"
	}
	summarySheet := "对账摘要"
	issueSheet := "差异明细"
	_ = f.SetSheetName(defSheet, summarySheet)
	f.NewSheet(issueSheet)
	f.SetActiveSheet(0)

	redStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Font: &excelize.Font{Color: "9C0006"},
	})

	if err := writeSummarySheet(f, summarySheet, result); err != nil {
		return err
	}
	if err := writeIssueSheet(f, issueSheet, result.Issues, redStyle); err != nil {
		return err
	}

	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建输出目录失败: %w", err)
		}
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("创建结果文件失败: %w", err)
	}
	defer out.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("写入结果文件失败: %w", err)
	}
	return nil
}

func writeSummarySheet(f *excelize.File, sheet string, result *domain.Result) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	rows := [][]interface{}{
		{"项目", "值"},
		{"业务台账文件", result.Summary.BusinessFile},
		{"财务系统文件", result.Summary.FinanceFile},
		{"业务记录数", result.Summary.TotalBusinessRecords},
		{"财务记录数", result.Summary.TotalFinanceRecords},
		{"一致记录数", result.Summary.MatchedRecords},
		{"不一致记录数", result.Summary.UnmatchedRecords},
		{"差异条目数", len(result.Issues)},
		{"规则版本", result.Metadata.RuleVersion},
		{"处理时间", result.Metadata.ProcessedAt},
	}
	for i, row := range rows {
		if err := sw.SetRow(cellAxis(i+1, 1), row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func writeIssueSheet(f *excelize.File, sheet string, issues []domain.Issue, redStyle int) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		if err := sw.SetRow("A1", []interface{}{"无差异项目"}); err != nil {
			return err
		}
		return sw.Flush()
	}
	header := []interface{}{"订单号", "差异类型", "业务侧值", "财务侧值", "说明"}
	if err := sw.SetRow(cellAxis(1, 1), header); err != nil {
		return err
	}
	rowNum := 2
	for _, issue := range issues {
		row := []interface{}{
			issue.OrderID,
			styledCell(issue.IssueType, redStyle),
			strOrEmpty(issue.BusinessValue),
			strOrEmpty(issue.FinanceValue),
			issue.Detail,
		}
		if err := sw.SetRow(cellAxis(rowNum, 1), row); err != nil {
			return err
		}
		rowNum++
	}
	return sw.Flush()
}

func styledCell(v string, style int) interface{} {
	if style > 0 {
		return excelize.Cell{Value: v, StyleID: style}
	}
	return v
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}
