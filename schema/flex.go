package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FlexString accepts a JSON string or number ("1.0" and 1.0 both load).
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// StringList accepts a single JSON string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		var arr []string
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*l = []string{s}
	return nil
}

// BoolList accepts a single JSON bool or a list of bools (sort ascending flags).
type BoolList []bool

func (l *BoolList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		var arr []bool
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*l = arr
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*l = []bool{v}
	return nil
}

// DataSources is a name->source map that remembers declaration order.
// 声明顺序决定“一个文件命中多个数据源”时的归属（先声明者优先）。
type DataSources struct {
	Order   []string
	Sources map[string]*DataSource
}

func (d *DataSources) Get(name string) *DataSource {
	if d == nil || d.Sources == nil {
		return nil
	}
	return d.Sources[name]
}

func (d *DataSources) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("data_sources 必须是对象")
	}
	d.Order = nil
	d.Sources = make(map[string]*DataSource)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)
		var src DataSource
		if err := dec.Decode(&src); err != nil {
			return fmt.Errorf("数据源 %s 解析失败: %w", name, err)
		}
		d.Order = append(d.Order, name)
		d.Sources[name] = &src
	}
	return nil
}

func (d DataSources) MarshalJSON() ([]byte, error) {
	// Order is cosmetic on output; a plain map keeps round-trips simple.
	return json.Marshal(d.Sources)
}
