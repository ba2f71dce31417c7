package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go-etl-engine/internal/model"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// encodeParquet writes all rows into a single snappy-compressed Parquet file
func encodeParquet(ds *model.Dataset, _ model.Options) ([]byte, error) {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)

	fields := parquetFields(ds)
	pw, err := writer.NewJSONWriter(buildParquetSchema(fields), pfw, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for r := 0; r < ds.NumRows(); r++ {
		row := make(map[string]interface{}, len(fields))
		for c, f := range fields {
			row[f.name] = parquetValue(ds.Columns[c].Values[r], f.physical)
		}
		line, err := json.Marshal(row)
		if err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
		if err := pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("failed to write parquet row %d: %w", r, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return nil, fmt.Errorf("failed to finish parquet file: %w", err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

type parquetField struct {
	name     string
	physical string
}

// parquetFields picks one physical type per column from its non-null cells
func parquetFields(ds *model.Dataset) []parquetField {
	fields := make([]parquetField, ds.NumCols())
	used := make(map[string]int)
	for c, col := range ds.Columns {
		name := parquetName(col.Name)
		if n := used[name]; n > 0 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		used[name]++
		fields[c] = parquetField{name: name, physical: parquetPhysicalType(col.Values)}
	}
	return fields
}

func parquetPhysicalType(values []model.Value) string {
	kind := model.KindNull
	for _, v := range values {
		if v.IsNull() {
			continue
		}
		if kind == model.KindNull {
			kind = v.Kind
		} else if kind != v.Kind {
			return "BYTE_ARRAY"
		}
	}
	switch kind {
	case model.KindNumber:
		return "DOUBLE"
	case model.KindBoolean:
		return "BOOLEAN"
	default:
		return "BYTE_ARRAY"
	}
}

func parquetValue(v model.Value, physical string) interface{} {
	if v.IsNull() {
		return nil
	}
	if physical == "BYTE_ARRAY" {
		return v.String()
	}
	return v.Interface()
}

// parquetName keeps schema tags parseable; tag values cannot hold ',' or '='
func parquetName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "column"
	}
	return b.String()
}

func buildParquetSchema(fields []parquetField) string {
	defs := make([]map[string]string, 0, len(fields))
	for _, f := range fields {
		tag := fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", f.name, f.physical)
		if f.physical == "BYTE_ARRAY" {
			tag += ", convertedtype=UTF8"
		}
		defs = append(defs, map[string]string{"Tag": tag})
	}
	out := map[string]interface{}{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": defs,
	}
	b, _ := json.Marshal(out)
	return string(b)
}
