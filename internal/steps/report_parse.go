package steps

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseReport turns a CSV report body (produced by a fetch step) into a
// slice of row maps keyed by header, ready for insight generation.
type parseConfig struct {
	InputKey  string `json:"input_key"`
	OutputKey string `json:"output_key"`
	Delimiter string `json:"delimiter"`
}

func ParseReport(_ context.Context, rawCfg json.RawMessage, wfContext map[string]any) (map[string]any, error) {
	var cfg parseConfig
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &cfg); err != nil {
			return nil, fmt.Errorf("decode parse config: %w", err)
		}
	}
	if cfg.InputKey == "" {
		cfg.InputKey = "report"
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = "rows"
	}

	raw, ok := wfContext[cfg.InputKey].(string)
	if !ok {
		return nil, fmt.Errorf("context key %q missing or not a string", cfg.InputKey)
	}

	reader := csv.NewReader(strings.NewReader(raw))
	reader.TrimLeadingSpace = true
	if cfg.Delimiter != "" {
		reader.Comma = rune(cfg.Delimiter[0])
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("report %q is empty", cfg.InputKey)
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return map[string]any{
		cfg.OutputKey:            rows,
		cfg.OutputKey + "_count": len(rows),
	}, nil
}
