package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// ParseOutputFormat validates a --output value
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputFormatTable:
		return OutputFormatTable, nil
	case OutputFormatJSON:
		return OutputFormatJSON, nil
	case OutputFormatYAML, "yml":
		return OutputFormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use table, json or yaml)", s)
	}
}

// KeyValue is one row of a key-value listing
type KeyValue struct {
	Key   string
	Value interface{}
}

// DataWriter handles formatted output of structured data
type DataWriter struct {
	output io.Writer
	format OutputFormat
}

// NewDataWriter creates a new DataWriter, rejecting unknown formats
func NewDataWriter(output io.Writer, format string) (*DataWriter, error) {
	of, err := ParseOutputFormat(format)
	if err != nil {
		return nil, err
	}
	return &DataWriter{
		output: output,
		format: of,
	}, nil
}

// Format returns the resolved output format
func (dw *DataWriter) Format() OutputFormat {
	return dw.format
}

// WriteKeyValue writes key-value pairs in order, skipping empty values
func (dw *DataWriter) WriteKeyValue(title string, pairs []KeyValue) error {
	switch dw.format {
	case OutputFormatJSON, OutputFormatYAML:
		data := make(map[string]interface{}, len(pairs))
		for _, kv := range pairs {
			if !isEmpty(kv.Value) {
				data[kv.Key] = kv.Value
			}
		}
		return dw.WriteStruct(data)
	default:
		return dw.writeKeyValueTable(title, pairs)
	}
}

// WriteTable writes tabular data with headers
func (dw *DataWriter) WriteTable(headers []string, rows [][]string) error {
	switch dw.format {
	case OutputFormatJSON, OutputFormatYAML:
		records := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			obj := make(map[string]string, len(headers))
			for i, header := range headers {
				if i < len(row) {
					obj[strings.ToLower(header)] = row[i]
				}
			}
			records = append(records, obj)
		}
		return dw.WriteStruct(records)
	default:
		return dw.writeTabularData(headers, rows)
	}
}

// WriteStruct writes data as JSON or YAML. Table output needs WriteTable or
// WriteKeyValue.
func (dw *DataWriter) WriteStruct(data interface{}) error {
	switch dw.format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(dw.output)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case OutputFormatYAML:
		encoder := yaml.NewEncoder(dw.output)
		encoder.SetIndent(2)
		if err := encoder.Encode(data); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("table format not supported for arbitrary structs - use WriteKeyValue or WriteTable")
	}
}

// writeKeyValueTable writes key-value pairs as an aligned table
func (dw *DataWriter) writeKeyValueTable(title string, pairs []KeyValue) error {
	if title != "" {
		_, _ = fmt.Fprintln(dw.output)
		_, _ = fmt.Fprintln(dw.output, title)
	}

	w := tabwriter.NewWriter(dw.output, 0, 0, 2, ' ', 0)
	for _, kv := range pairs {
		if !isEmpty(kv.Value) {
			_, _ = fmt.Fprintf(w, "  %s:\t%v\t\n", kv.Key, kv.Value)
		}
	}

	_ = w.Flush()
	_, _ = fmt.Fprintln(dw.output)
	return nil
}

// writeTabularData writes headers and rows as a table
func (dw *DataWriter) writeTabularData(headers []string, rows [][]string) error {
	_, _ = fmt.Fprintln(dw.output)

	w := tabwriter.NewWriter(dw.output, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t")+"\t")
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t")+"\t")
	}

	_ = w.Flush()
	_, _ = fmt.Fprintln(dw.output)
	return nil
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// TableBuilder helps build table data incrementally
type TableBuilder struct {
	headers []string
	rows    [][]string
}

// NewTableBuilder creates a new TableBuilder
func NewTableBuilder(headers ...string) *TableBuilder {
	return &TableBuilder{
		headers: headers,
		rows:    [][]string{},
	}
}

// AddRow adds a row to the table
func (tb *TableBuilder) AddRow(values ...string) *TableBuilder {
	tb.rows = append(tb.rows, values)
	return tb
}

// Write outputs the table using the DataWriter
func (tb *TableBuilder) Write(dw *DataWriter) error {
	return dw.WriteTable(tb.headers, tb.rows)
}

// KeyValueBuilder helps build ordered key-value data
type KeyValueBuilder struct {
	title string
	pairs []KeyValue
}

// NewKeyValueBuilder creates a new KeyValueBuilder
func NewKeyValueBuilder(title string) *KeyValueBuilder {
	return &KeyValueBuilder{title: title}
}

// Add adds a key-value pair
func (kvb *KeyValueBuilder) Add(key string, value interface{}) *KeyValueBuilder {
	kvb.pairs = append(kvb.pairs, KeyValue{Key: key, Value: value})
	return kvb
}

// AddIf conditionally adds a key-value pair
func (kvb *KeyValueBuilder) AddIf(condition bool, key string, value interface{}) *KeyValueBuilder {
	if condition {
		kvb.Add(key, value)
	}
	return kvb
}

// Write outputs the key-value data using the DataWriter
func (kvb *KeyValueBuilder) Write(dw *DataWriter) error {
	return dw.WriteKeyValue(kvb.title, kvb.pairs)
}
