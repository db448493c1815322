// Package consumer holds sink consumer definitions and their compiled
// matching rules.
package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

const (
	DefaultBatchSize    = 10
	MaxBatchSize        = 10000
	DefaultBatchTimeout = 50 * time.Millisecond
	DefaultMaxAttempts  = 8
)

// TransformKind selects how the envelope is reshaped before delivery.
type TransformKind string

const (
	TransformNone   TransformKind = "none"
	TransformRecord TransformKind = "record"
	TransformPath   TransformKind = "path"
)

// Transform reshapes the delivered payload.
type Transform struct {
	Kind TransformKind `mapstructure:"kind" json:"kind" validate:"omitempty,oneof=none record path"`
	Path string        `mapstructure:"path" json:"path,omitempty" validate:"required_if=Kind path"`
}

// Destination selects a sink implementation by type tag.
type Destination struct {
	Type    string            `mapstructure:"type" json:"type" validate:"required"`
	Options map[string]string `mapstructure:"options" json:"options,omitempty"`
}

// Consumer is a configured subscription of a slot's changes to one
// destination.
type Consumer struct {
	ID              string        `mapstructure:"id" json:"id" validate:"required"`
	Name            string        `mapstructure:"name" json:"name" validate:"required"`
	Slot            string        `mapstructure:"slot" json:"slot" validate:"required"`
	Tables          []string      `mapstructure:"tables" json:"tables" validate:"required,min=1,dive,required"`
	Actions         []string      `mapstructure:"actions" json:"actions,omitempty" validate:"omitempty,dive,oneof=insert update delete read"`
	Filters         []Filter      `mapstructure:"filters" json:"filters,omitempty" validate:"dive"`
	GroupColumns    []string      `mapstructure:"group_columns" json:"group_columns,omitempty" validate:"dive,required"`
	DisableBatching bool          `mapstructure:"disable_batching" json:"disable_batching,omitempty"`
	BatchSize       int           `mapstructure:"batch_size" json:"batch_size,omitempty" validate:"gte=0,lte=10000"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout" json:"batch_timeout,omitempty" validate:"gte=0"`
	MaxAttempts     int           `mapstructure:"max_attempts" json:"max_attempts,omitempty" validate:"gte=0"`
	Transform       Transform     `mapstructure:"transform" json:"transform"`
	Destination     Destination   `mapstructure:"destination" json:"destination"`
}

var validate = validator.New()

// Normalize fills defaults in place.
func (c *Consumer) Normalize() {
	if c.BatchSize == 0 {
		if c.DisableBatching {
			c.BatchSize = 1
		} else {
			c.BatchSize = DefaultBatchSize
		}
	}
	if c.BatchTimeout == 0 && !c.DisableBatching {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Transform.Kind == "" {
		c.Transform.Kind = TransformNone
	}
	if len(c.Actions) == 0 {
		c.Actions = []string{
			string(connector.ActionInsert),
			string(connector.ActionUpdate),
			string(connector.ActionDelete),
			string(connector.ActionRead),
		}
	}
}

// Validate checks struct rules and cross-field rules.
func (c Consumer) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("consumer %q: %w", c.ID, err)
	}
	if c.DisableBatching && c.BatchSize > 1 {
		return fmt.Errorf("consumer %q: batch_size must be 1 when batching is disabled", c.ID)
	}
	for _, pattern := range c.Tables {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("consumer %q: table pattern %q: %w", c.ID, pattern, err)
		}
	}
	return nil
}

// Compiled is a validated consumer ready for matching.
type Compiled struct {
	Consumer

	tables     []glob.Glob
	actions    map[connector.Action]bool
	predicates []Predicate
}

// Compile normalizes, validates and compiles c.
func Compile(c Consumer) (*Compiled, error) {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	compiled := &Compiled{
		Consumer: c,
		actions:  make(map[connector.Action]bool, len(c.Actions)),
	}
	for _, pattern := range c.Tables {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("consumer %q: table pattern %q: %w", c.ID, pattern, err)
		}
		compiled.tables = append(compiled.tables, g)
	}
	for _, action := range c.Actions {
		compiled.actions[connector.Action(action)] = true
	}
	for idx, filter := range c.Filters {
		pred, err := CompileFilter(filter)
		if err != nil {
			return nil, fmt.Errorf("consumer %q: filter %d: %w", c.ID, idx, err)
		}
		compiled.predicates = append(compiled.predicates, pred)
	}
	return compiled, nil
}

// MatchesTable reports whether the consumer subscribes to schema.table.
// Patterns without a dot also match the bare table name.
func (c *Compiled) MatchesTable(schema, table string) bool {
	qualified := schema + "." + table
	for idx, g := range c.tables {
		if g.Match(qualified) {
			return true
		}
		if !strings.Contains(c.Tables[idx], ".") && g.Match(table) {
			return true
		}
	}
	return false
}

// Matches applies table, action and predicate rules to rec. A predicate that
// cannot be evaluated yields a *connector.FilterEvaluationError.
func (c *Compiled) Matches(rec connector.ChangeRecord) (bool, error) {
	if !c.actions[rec.Action] {
		return false, nil
	}
	if !c.MatchesTable(rec.Schema, rec.Table) {
		return false, nil
	}
	for _, pred := range c.predicates {
		ok, err := pred.Eval(rec)
		if err != nil {
			return false, &connector.FilterEvaluationError{ConsumerID: c.ID, Column: pred.Column(), Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// GroupKey derives the ordering key of rec for this consumer: the configured
// group columns, or the relation's primary key scoped by relation id.
func (c *Compiled) GroupKey(rec connector.ChangeRecord) string {
	values := rec.Values()
	if len(c.GroupColumns) > 0 {
		return encodeGroup(c.GroupColumns, values)
	}
	var columns []string
	if rec.Relation != nil {
		columns = rec.Relation.PrimaryKey()
	}
	if len(columns) == 0 {
		columns = make([]string, 0, len(values))
		for name := range values {
			columns = append(columns, name)
		}
		sort.Strings(columns)
	}
	return strconv.FormatUint(uint64(rec.RelationID), 10) + ":" + encodeGroup(columns, values)
}

func encodeGroup(columns []string, values map[string]any) string {
	parts := make([]any, len(columns))
	for idx, name := range columns {
		parts[idx] = connector.NormalizeValue(values[name])
	}
	encoded, err := json.Marshal(parts)
	if err != nil {
		return fmt.Sprint(parts)
	}
	return string(encoded)
}

var idempotencyNamespace = uuid.MustParse("6f1c1b0e-3f3b-4b8e-9a59-5e2a1d1f7c42")

// IdempotencyID is stable for a given log position, relation and consumer,
// so replays after a restart carry the same id.
func IdempotencyID(pos connector.Position, relationID uint32, consumerID string) string {
	name := pos.CommitLSN.String() + "/" + strconv.FormatUint(uint64(pos.Seq), 10) +
		"/" + strconv.FormatUint(uint64(relationID), 10) + "/" + consumerID
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

var backfillNamespace = uuid.MustParse("b3e0a5d4-8c2f-4a61-9e0b-2d7f4c9a1e58")

// BackfillIdempotencyID identifies a read record by the backfill it belongs
// to (the snapshot position) and the row's key, so a resumed backfill page
// repeats the same ids.
func BackfillIdempotencyID(rec connector.ChangeRecord, consumerID string) string {
	var columns []string
	if rec.Relation != nil {
		columns = rec.Relation.PrimaryKey()
	}
	if len(columns) == 0 {
		for name := range rec.New {
			columns = append(columns, name)
		}
		sort.Strings(columns)
	}
	name := rec.Position.CommitLSN.String() + "/" + strconv.FormatUint(uint64(rec.RelationID), 10) +
		"/" + encodeGroup(columns, rec.New) + "/" + consumerID
	return uuid.NewSHA1(backfillNamespace, []byte(name)).String()
}

// CompileAll compiles every consumer, collecting failures.
func CompileAll(consumers []Consumer) ([]*Compiled, error) {
	out := make([]*Compiled, 0, len(consumers))
	var errs []error
	seen := make(map[string]bool, len(consumers))
	for _, c := range consumers {
		if seen[c.ID] {
			errs = append(errs, fmt.Errorf("consumer %q: duplicate id", c.ID))
			continue
		}
		seen[c.ID] = true
		compiled, err := Compile(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, compiled)
	}
	return out, errors.Join(errs...)
}
