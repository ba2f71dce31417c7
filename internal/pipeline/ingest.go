package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"go-etl-engine/internal/model"
	"go-etl-engine/pkg/utils"

	"github.com/rs/zerolog"
)

// Extractor reads a source descriptor into a dataset
type Extractor interface {
	// Stat returns the size of the source in bytes without reading it; 0 when unknown.
	Stat(ctx context.Context, src model.SourceDescriptor) (int64, error)
	// Extract reads the whole source. maxBytes <= 0 means unlimited. It returns the
	// dataset and the number of bytes read.
	Extract(ctx context.Context, src model.SourceDescriptor, maxBytes int64) (*model.Dataset, int64, error)
}

// SourceReader is the default Extractor. http(s) and s3 locations need their
// client to be set. When Root is set, local paths must resolve inside it.
type SourceReader struct {
	HTTP    *HTTPFetcher
	Objects ObjectStore
	Root    string
	Log     zerolog.Logger
}

// NewSourceReader creates a reader for local files and, when given, http and s3 locations
func NewSourceReader(httpFetcher *HTTPFetcher, objects ObjectStore, log zerolog.Logger) *SourceReader {
	return &SourceReader{HTTP: httpFetcher, Objects: objects, Log: log}
}

// ------------------- Stat -------------------

func (r *SourceReader) Stat(ctx context.Context, src model.SourceDescriptor) (int64, error) {
	switch {
	case isObjectURL(src.Location):
		if r.Objects == nil {
			return 0, model.NewError(model.NotFound, "object storage is not configured")
		}
		bucket, key, err := splitObjectURL(src.Location)
		if err != nil {
			return 0, err
		}
		return r.Objects.Stat(ctx, bucket, key)
	case isHTTPURL(src.Location):
		if r.HTTP == nil {
			return 0, model.NewError(model.NotFound, "http sources are not enabled")
		}
		return r.HTTP.Head(ctx, src.Location)
	default:
		path, err := r.localFile(src.Location)
		if err != nil {
			return 0, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return 0, mapFileError(src.Location, err)
		}
		if info.IsDir() {
			return 0, model.NewError(model.MalformedInput, "%s is a directory", src.Location)
		}
		return info.Size(), nil
	}
}

// ------------------- Extract -------------------

// Extract reads the source. The size is checked against maxBytes as soon as
// the opened source reports one, and again while reading.
func (r *SourceReader) Extract(ctx context.Context, src model.SourceDescriptor, maxBytes int64) (*model.Dataset, int64, error) {
	format := sourceFormat(src)
	parse, ok := sourceParsers[format]
	if !ok {
		return nil, 0, model.NewError(model.UnsupportedFormat, "unsupported source format %q, expected one of %s",
			src.Type, strings.Join(SupportedSourceFormats(), ", "))
	}

	body, size, err := r.open(ctx, src.Location)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()

	if maxBytes > 0 && size > maxBytes {
		return nil, 0, sizeError(maxBytes, size)
	}

	data, err := readBounded(body, maxBytes)
	if err != nil {
		return nil, int64(len(data)), err
	}
	if err := ctx.Err(); err != nil {
		return nil, int64(len(data)), err
	}

	ds, err := parse(data, src.Options)
	if err != nil {
		return nil, int64(len(data)), err
	}
	r.Log.Debug().
		Str("location", src.Location).
		Str("format", format).
		Int("rows", ds.NumRows()).
		Int("columns", ds.NumCols()).
		Int("bytes", len(data)).
		Msg("source extracted")
	return ds, int64(len(data)), nil
}

// open returns the source body and its size when known without another
// request, else -1
func (r *SourceReader) open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	switch {
	case isObjectURL(location):
		if r.Objects == nil {
			return nil, 0, model.NewError(model.NotFound, "object storage is not configured")
		}
		bucket, key, err := splitObjectURL(location)
		if err != nil {
			return nil, 0, err
		}
		body, err := r.Objects.Get(ctx, bucket, key)
		return body, -1, err
	case isHTTPURL(location):
		if r.HTTP == nil {
			return nil, 0, model.NewError(model.NotFound, "http sources are not enabled")
		}
		return r.HTTP.Get(ctx, location)
	default:
		path, err := r.localFile(location)
		if err != nil {
			return nil, 0, err
		}
		// #nosec G304 -- path is confined to the input root when one is configured
		file, err := os.Open(path)
		if err != nil {
			return nil, 0, mapFileError(location, err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, 0, mapFileError(location, err)
		}
		return file, info.Size(), nil
	}
}

// localFile resolves a local location against Root
func (r *SourceReader) localFile(location string) (string, error) {
	path, err := utils.ConfinePath(r.Root, localPath(location))
	if err != nil {
		return "", model.WrapError(model.NotFound, err, "source %s is not readable", location)
	}
	return path, nil
}

// readBounded reads everything, failing once more than maxBytes arrive
func readBounded(body io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return data, model.WrapError(model.MalformedInput, err, "failed to read source")
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return data, model.WrapError(model.MalformedInput, err, "failed to read source")
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], sizeError(maxBytes, int64(len(data)))
	}
	return data, nil
}

func sizeError(limit, actual int64) *model.Error {
	e := model.NewError(model.SizeLimitExceeded, "source is larger than the %d byte limit", limit).WithLimit(limit, actual)
	e.Class = model.ClassExtraction
	return e
}

func mapFileError(location string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return model.WrapError(model.NotFound, err, "source %s does not exist", location)
	}
	return model.WrapError(model.NotFound, err, "source %s is not readable", location)
}

func sourceFormat(src model.SourceDescriptor) string {
	format := strings.ToLower(strings.TrimSpace(src.Type))
	if format == "" {
		format = (&utils.OutputManager{}).GetFileType(src.Location)
	}
	return format
}

func localPath(location string) string {
	return strings.TrimPrefix(location, "file://")
}

func isHTTPURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// ------------------- Parsers -------------------

type sourceParser func(data []byte, opts model.Options) (*model.Dataset, error)

var sourceParsers = map[string]sourceParser{
	"csv":    parseCSV,
	"json":   parseJSON,
	"jsonl":  parseJSONLines,
	"ndjson": parseJSONLines,
}

// SupportedSourceFormats lists the format tags Extract accepts
func SupportedSourceFormats() []string {
	return []string{"csv", "json", "jsonl"}
}

func parseCSV(data []byte, opts model.Options) (*model.Dataset, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	csvReader := csv.NewReader(bytes.NewReader(data))
	csvReader.LazyQuotes = true
	if d := opts.String("delimiter", ""); d != "" {
		r, _ := utf8.DecodeRuneInString(d)
		csvReader.Comma = r
	}

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, model.WrapError(model.MalformedInput, err, "invalid csv")
	}
	if len(records) == 0 {
		return model.NewDataset(), nil
	}

	var headers []string
	if opts.Bool("has_header", true) {
		headers = make([]string, len(records[0]))
		for i, h := range records[0] {
			// Clean header names: trim whitespace and remove ALL quotes
			headers[i] = strings.ReplaceAll(strings.TrimSpace(h), `"`, "")
		}
		records = records[1:]
	} else {
		headers = make([]string, len(records[0]))
		for i := range headers {
			headers[i] = fmt.Sprintf("column_%d", i+1)
		}
	}

	ds := model.NewDataset(headers...)
	if err := ds.Validate(); err != nil {
		return nil, model.WrapError(model.MalformedInput, err, "invalid csv header")
	}

	infer := opts.Bool("infer_types", true)
	for _, record := range records {
		row := make([]model.Value, len(headers))
		for i, raw := range record {
			switch {
			case strings.TrimSpace(raw) == "":
				row[i] = model.Null()
			case infer:
				row[i] = model.FromInterface(utils.ParseValue(raw))
			default:
				row[i] = model.String(raw)
			}
		}
		if err := ds.AppendRow(row); err != nil {
			return nil, model.WrapError(model.MalformedInput, err, "invalid csv row")
		}
	}
	return ds, nil
}

// rowBuilder collects objects whose keys may differ, keeping first-appearance column order
type rowBuilder struct {
	names []string
	index map[string]int
	rows  []map[string]model.Value
}

func newRowBuilder() *rowBuilder {
	return &rowBuilder{index: make(map[string]int)}
}

func (b *rowBuilder) add(keys []string, vals []model.Value) {
	row := make(map[string]model.Value, len(keys))
	for i, k := range keys {
		if _, ok := b.index[k]; !ok {
			b.index[k] = len(b.names)
			b.names = append(b.names, k)
		}
		row[k] = vals[i]
	}
	b.rows = append(b.rows, row)
}

func (b *rowBuilder) dataset() *model.Dataset {
	ds := model.NewDataset(b.names...)
	for _, row := range b.rows {
		cells := make([]model.Value, len(b.names))
		for i, n := range b.names {
			cells[i] = row[n] // missing keys stay null
		}
		_ = ds.AppendRow(cells)
	}
	return ds
}

func parseJSON(data []byte, _ model.Options) (*model.Dataset, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, model.WrapError(model.MalformedInput, err, "invalid json")
	}

	b := newRowBuilder()
	switch tok {
	case json.Delim('['):
		for dec.More() {
			keys, vals, err := decodeObject(dec)
			if err != nil {
				return nil, err
			}
			b.add(keys, vals)
		}
		if _, err := dec.Token(); err != nil {
			return nil, model.WrapError(model.MalformedInput, err, "invalid json")
		}
	case json.Delim('{'):
		keys, vals, err := decodeObjectBody(dec)
		if err != nil {
			return nil, err
		}
		b.add(keys, vals)
	default:
		return nil, model.NewError(model.MalformedInput, "unexpected JSON structure")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, model.NewError(model.MalformedInput, "trailing data after JSON document")
	}
	return b.dataset(), nil
}

func parseJSONLines(data []byte, _ model.Options) (*model.Dataset, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), len(data)+1)

	b := newRowBuilder()
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		keys, vals, err := decodeObject(dec)
		if err != nil {
			return nil, model.WrapError(model.MalformedInput, err, "line %d", line)
		}
		b.add(keys, vals)
	}
	if err := scanner.Err(); err != nil {
		return nil, model.WrapError(model.MalformedInput, err, "invalid jsonl")
	}
	return b.dataset(), nil
}

// decodeObject reads one JSON object, keys in document order
func decodeObject(dec *json.Decoder) ([]string, []model.Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, model.WrapError(model.MalformedInput, err, "invalid json")
	}
	if tok != json.Delim('{') {
		return nil, nil, model.NewError(model.MalformedInput, "expected a JSON object, got %v", tok)
	}
	return decodeObjectBody(dec)
}

func decodeObjectBody(dec *json.Decoder) ([]string, []model.Value, error) {
	var keys []string
	var vals []model.Value
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, model.WrapError(model.MalformedInput, err, "invalid json")
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, model.NewError(model.MalformedInput, "invalid object key %v", tok)
		}
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, model.WrapError(model.MalformedInput, err, "invalid value for %q", key)
		}
		keys = append(keys, key)
		vals = append(vals, model.FromInterface(raw))
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, model.WrapError(model.MalformedInput, err, "invalid json")
	}
	return keys, vals, nil
}
