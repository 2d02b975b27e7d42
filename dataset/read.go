package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// ErrUnreadable 标记所有候选编码都无法解码的输入文件。
var ErrUnreadable = errors.New("文件编码不支持")

// csvEncodings is the ordered fallback list; first successful decode wins.
// GB2312 is a subset of GBK, so the GBK decoder covers both legacy namings.
var csvEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"utf-8", nil},
	{"gbk", simplifiedchinese.GBK},
	{"gb18030", simplifiedchinese.GB18030},
}

// ReadFile loads one delimited-text or spreadsheet file into a Dataset.
// sheet 仅对 xlsx/xls 生效；为空时取第一个工作表。
func ReadFile(path, sheet string) (*Dataset, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv", ".txt", ".tsv":
		return readCSV(path)
	case ".xlsx", ".xls", ".xlsm":
		return readXLSX(path, sheet)
	default:
		return nil, fmt.Errorf("不支持的文件格式: %s", path)
	}
}

func readCSV(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var decoded []byte
	ok := false
	for _, e := range csvEncodings {
		if e.enc == nil {
			b := bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
			if utf8.Valid(b) {
				decoded, ok = b, true
			}
		} else {
			b, derr := e.enc.NewDecoder().Bytes(raw)
			// 解码器对非法字节输出 U+FFFD 而不报错，出现替换符即认定不匹配
			if derr == nil && !bytes.ContainsRune(b, utf8.RuneError) {
				decoded, ok = b, true
			}
		}
		if ok {
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("无法读取文件 %s: %w", path, ErrUnreadable)
	}

	r := csv.NewReader(bytes.NewReader(decoded))
	r.FieldsPerRecord = -1
	if strings.HasSuffix(strings.ToLower(path), ".tsv") {
		r.Comma = '\t'
	}
	header, err := r.Read()
	if err == io.EOF {
		return &Dataset{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("解析 CSV 失败 %s: %w", path, err)
	}
	headers := normalizeHeaders(header)
	ds := New(headers)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("解析 CSV 失败 %s: %w", path, err)
		}
		ds.Rows = append(ds.Rows, rowFromCells(headers, rec))
	}
	return ds, nil
}

func readXLSX(path, sheet string) (*Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取文件 %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &Dataset{}, nil
	}
	target := sheets[0]
	if strings.TrimSpace(sheet) != "" {
		target = sheet
	}

	rowsIter, err := f.Rows(target)
	if err != nil {
		return nil, fmt.Errorf("读取工作表 %s 失败: %w", target, err)
	}
	defer func() { _ = rowsIter.Close() }()

	if !rowsIter.Next() {
		return &Dataset{}, nil
	}
	rawHeader, err := rowsIter.Columns()
	if err != nil {
		return nil, err
	}
	headers := normalizeHeaders(rawHeader)
	ds := New(headers)
	for rowsIter.Next() {
		cols, err := rowsIter.Columns()
		if err != nil {
			return nil, err
		}
		ds.Rows = append(ds.Rows, rowFromCells(headers, cols))
	}
	return ds, nil
}

func rowFromCells(headers, cells []string) Row {
	row := make(Row, len(headers))
	for i, h := range headers {
		if i < len(cells) && cells[i] != "" {
			row[h] = cells[i]
		} else {
			row[h] = nil // 空单元格按缺失处理（对齐 pandas 的 NaN）
		}
	}
	return row
}

// normalizeHeaders mirrors pandas: blank header cells become "Unnamed: {i}",
// duplicates get ".1", ".2"... suffixes.
func normalizeHeaders(raw []string) []string {
	h := make([]string, len(raw))
	for i, v := range raw {
		s := strings.TrimSpace(v)
		if s == "" {
			s = fmt.Sprintf("Unnamed: %d", i)
		}
		h[i] = s
	}
	seen := make(map[string]int, len(h))
	out := make([]string, len(h))
	for i, name := range h {
		if c, ok := seen[name]; ok {
			c++
			seen[name] = c
			out[i] = fmt.Sprintf("%s.%d", name, c)
		} else {
			seen[name] = 0
			out[i] = name
		}
	}
	return out
}

// LoadAll reads and concatenates every file of one data-source role, tagging
// each row with its source filename.
func LoadAll(paths []string, sheet string) (*Dataset, error) {
	parts := make([]*Dataset, 0, len(paths))
	for _, p := range paths {
		ds, err := ReadFile(p, sheet)
		if err != nil {
			return nil, err
		}
		ds.AddColumn(SourceFileColumn)
		name := filepath.Base(p)
		for _, r := range ds.Rows {
			r[SourceFileColumn] = name
		}
		parts = append(parts, ds)
	}
	if len(parts) == 0 {
		return &Dataset{}, nil
	}
	return Concat(parts...), nil
}
