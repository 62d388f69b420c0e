// Package generator asks a language model for batches of form answers that
// satisfy the fields' constraints, and normalizes what comes back.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"filly/run-service/internal/model"
)

const (
	// MaxAttempts bounds provider calls per batch.
	MaxAttempts = 3

	// DefaultTimeout bounds one GenerateBatch call across all attempts.
	DefaultTimeout = 90 * time.Second
)

// Request is what a provider receives.
type Request struct {
	Prompt string
	Schema *Schema
	Count  int
}

// Provider returns the raw JSON text of {"samples": [...]}.
type Provider interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
	Name() string
}

// GenerationError is returned when no attempt produced a usable batch.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Generator wraps a Provider with validation, retries and fixed-value overrides.
type Generator struct {
	provider Provider
	timeout  time.Duration
	log      *slog.Logger
}

// New returns a Generator. A zero timeout uses DefaultTimeout.
func New(p Provider, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Generator{
		provider: p,
		timeout:  timeout,
		log:      slog.Default().With("component", "generator", "provider", p.Name()),
	}
}

// GenerateBatch returns exactly count records keyed by every enabled field.
// Fields configured with a fixed value always carry that value.
func (g *Generator) GenerateBatch(ctx context.Context, fields []model.FieldSpec, count int) ([]model.Record, error) {
	if count <= 0 {
		return nil, nil
	}
	active := enabled(fields)
	if len(active) == 0 {
		out := make([]model.Record, count)
		for i := range out {
			out[i] = model.Record{}
		}
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := Request{
		Prompt: BuildPrompt(active, count),
		Schema: BuildSchema(active, count),
		Count:  count,
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		raw, err := g.provider.Generate(ctx, req)
		if err == nil {
			var records []model.Record
			records, err = parseSamples(raw, active, count)
			if err == nil {
				applyFixed(records, active)
				return records, nil
			}
		}
		lastErr = err
		g.log.Warn("generation attempt failed", "attempt", attempt, "count", count, "err", err)

		if ctx.Err() != nil {
			return nil, &GenerationError{Attempts: attempt, Err: ctx.Err()}
		}
	}
	return nil, &GenerationError{Attempts: MaxAttempts, Err: lastErr}
}

var errShortBatch = errors.New("provider returned fewer samples than requested")

// parseSamples decodes, coerces and validates provider output.
func parseSamples(raw []byte, fields []model.FieldSpec, count int) ([]model.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed output: %w", err)
	}

	var samples []any
	switch v := doc.(type) {
	case map[string]any:
		s, ok := v["samples"].([]any)
		if !ok {
			return nil, errors.New("malformed output: missing samples array")
		}
		samples = s
	case []any:
		samples = v
	default:
		return nil, errors.New("malformed output: expected an object")
	}

	if len(samples) < count {
		return nil, fmt.Errorf("%w: want %d, got %d", errShortBatch, count, len(samples))
	}
	samples = samples[:count]

	records := make([]model.Record, 0, count)
	for i, s := range samples {
		obj, ok := s.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("sample %d is not an object", i)
		}
		rec := make(model.Record, len(fields))
		for _, f := range fields {
			key := EntryKey(f)
			v, ok := obj[key]
			if !ok {
				return nil, fmt.Errorf("sample %d is missing %s", i, key)
			}
			rec[key] = coerce(v)
		}
		records = append(records, rec)
	}
	return records, nil
}

// coerce maps any JSON value to a string or a list of strings.
func coerce(v any) model.Value {
	if list, ok := v.([]any); ok {
		items := make([]string, 0, len(list))
		for _, el := range list {
			items = append(items, scalar(el))
		}
		return model.List(items...)
	}
	return model.String(scalar(v))
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func applyFixed(records []model.Record, fields []model.FieldSpec) {
	for _, f := range fields {
		if f.Config.Strategy != model.StrategyFixed || f.Config.FixedValue == "" {
			continue
		}
		for _, r := range records {
			r[EntryKey(f)] = model.String(f.Config.FixedValue)
		}
	}
}
