package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Record tags written to the "type" field of each JSONL line
const (
	recordEntity   = "entity"
	recordRelation = "relation"
)

// Record is one decoded JSONL line: either an Entity or a Relation
type Record interface {
	recordType() string
}

func (Entity) recordType() string   { return recordEntity }
func (Relation) recordType() string { return recordRelation }

type entityLine struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

type relationLine struct {
	Type         string `json:"type"`
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// rawLine accepts either shape; pointers tell a missing field from an empty one
type rawLine struct {
	Type         *string  `json:"type"`
	Name         *string  `json:"name"`
	EntityType   *string  `json:"entityType"`
	Observations []string `json:"observations"`
	From         *string  `json:"from"`
	To           *string  `json:"to"`
	RelationType *string  `json:"relationType"`
}

var errMissingField = errors.New("missing required field")

// EncodeRecord renders an entity or relation as a single JSON line without
// the trailing newline
func EncodeRecord(r Record) ([]byte, error) {
	switch v := r.(type) {
	case Entity:
		obs := v.Observations
		if obs == nil {
			obs = []string{}
		}
		return json.Marshal(entityLine{
			Type:         recordEntity,
			Name:         v.Name,
			EntityType:   v.EntityType,
			Observations: obs,
		})
	case Relation:
		return json.Marshal(relationLine{
			Type:         recordRelation,
			From:         v.From,
			To:           v.To,
			RelationType: v.RelationType,
		})
	default:
		return nil, fmt.Errorf("unsupported record %T", r)
	}
}

// DecodeRecord parses one JSONL line. Unknown tags and records missing
// their identity fields are rejected.
func DecodeRecord(line []byte) (Record, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	if raw.Type == nil {
		return nil, fmt.Errorf("%w: type", errMissingField)
	}

	switch *raw.Type {
	case recordEntity:
		if raw.Name == nil || *raw.Name == "" {
			return nil, fmt.Errorf("%w: name", errMissingField)
		}
		if raw.EntityType == nil {
			return nil, fmt.Errorf("%w: entityType", errMissingField)
		}
		obs := raw.Observations
		if obs == nil {
			obs = []string{}
		}
		return Entity{Name: *raw.Name, EntityType: *raw.EntityType, Observations: obs}, nil
	case recordRelation:
		switch {
		case raw.From == nil || *raw.From == "":
			return nil, fmt.Errorf("%w: from", errMissingField)
		case raw.To == nil || *raw.To == "":
			return nil, fmt.Errorf("%w: to", errMissingField)
		case raw.RelationType == nil:
			return nil, fmt.Errorf("%w: relationType", errMissingField)
		}
		return Relation{From: *raw.From, To: *raw.To, RelationType: *raw.RelationType}, nil
	default:
		return nil, fmt.Errorf("unknown record type %q", *raw.Type)
	}
}
