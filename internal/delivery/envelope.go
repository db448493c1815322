// Package delivery encodes routed messages and drives sink delivery with
// retry, poison isolation and dead-lettering.
package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/pkg/connector"
)

// Envelope is the JSON document delivered for each message.
type Envelope struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	Record   map[string]any `json:"record"`
	Changes  map[string]any `json:"changes"`
	Metadata Metadata       `json:"metadata"`
}

// Metadata describes where a change came from.
type Metadata struct {
	TableSchema     string       `json:"table_schema"`
	TableName       string       `json:"table_name"`
	CommitTimestamp time.Time    `json:"commit_timestamp"`
	CommitLSN       string       `json:"commit_lsn,omitempty"`
	Consumer        ConsumerInfo `json:"consumer"`
}

// ConsumerInfo names the consumer a message was routed to.
type ConsumerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewEnvelope builds the envelope for msg. Deletes carry the old row as the
// record; updates carry the previous values of changed columns in changes.
func NewEnvelope(msg connector.RoutedMessage, c *consumer.Compiled) Envelope {
	rec := msg.Record
	env := Envelope{
		ID:     msg.IdempotencyID,
		Action: string(rec.Action),
		Metadata: Metadata{
			TableSchema:     rec.Schema,
			TableName:       rec.Table,
			CommitTimestamp: rec.CommitTime.UTC(),
			Consumer:        ConsumerInfo{ID: c.ID, Name: c.Name},
		},
	}
	if rec.Action != connector.ActionRead {
		env.Metadata.CommitLSN = rec.Position.CommitLSN.String()
	}

	switch rec.Action {
	case connector.ActionDelete:
		env.Record = connector.NormalizeValues(rec.Old)
	case connector.ActionUpdate:
		env.Record = connector.NormalizeValues(rec.New)
		env.Changes = changedValues(rec.Old, rec.New)
	default:
		env.Record = connector.NormalizeValues(rec.New)
	}
	if env.Record == nil {
		env.Record = map[string]any{}
	}
	return env
}

func changedValues(before, after map[string]any) map[string]any {
	if before == nil {
		return nil
	}
	changes := make(map[string]any)
	for name, old := range before {
		oldValue := connector.NormalizeValue(old)
		if newValue, ok := after[name]; ok && reflect.DeepEqual(oldValue, connector.NormalizeValue(newValue)) {
			continue
		}
		changes[name] = oldValue
	}
	return changes
}

// Encode builds the delivered payload for msg, applying the consumer's
// transform.
func Encode(msg connector.RoutedMessage, c *consumer.Compiled) ([]byte, error) {
	env := NewEnvelope(msg, c)
	switch c.Transform.Kind {
	case consumer.TransformRecord:
		return json.Marshal(env.Record)
	case consumer.TransformPath:
		value, err := extractPath(env, c.Transform.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(value)
	default:
		return json.Marshal(env)
	}
}

// extractPath walks a dotted path such as "record.id" or
// "metadata.table_name" through the envelope.
func extractPath(env Envelope, path string) (any, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var current any
	if err := dec.Decode(&current); err != nil {
		return nil, err
	}
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transform path %q: %q is not an object", path, part)
		}
		current = obj[part]
	}
	return current, nil
}

// ToMessage encodes msg for delivery.
func ToMessage(msg connector.RoutedMessage, c *consumer.Compiled) (connector.Message, error) {
	payload, err := Encode(msg, c)
	if err != nil {
		return connector.Message{}, err
	}
	return connector.Message{
		ID:         msg.IdempotencyID,
		GroupKey:   msg.GroupKey,
		Action:     msg.Record.Action,
		Table:      msg.Record.Table,
		Schema:     msg.Record.Schema,
		Position:   msg.Record.Position,
		CommitTime: msg.Record.CommitTime,
		Payload:    payload,
	}, nil
}
