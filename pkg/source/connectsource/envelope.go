package connectsource

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
)

// envelope is a Debezium-style change record as published by a
// Broker-Connect connector.
type envelope struct {
	Op     string         `json:"op"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Source envelopeSource `json:"source"`
}

type envelopeSource struct {
	Connector string `json:"connector"`
	Version   string `json:"version"`
	TsMs      int64  `json:"ts_ms"`
	Db        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	LSN       string `json:"lsn"`
	File      string `json:"file"`
	Pos       int64  `json:"pos"`
	ServerID  int64  `json:"server_id"`
	GTID      string `json:"gtid"`
}

// errMalformedRecord marks an upstream record the parser could not decode;
// callers must skip it and increment a counter rather than crash.
var errMalformedRecord = fmt.Errorf("connectsource: malformed record")

// opToOperation maps the single-letter Debezium op code to changeevent's
// Operation, also reporting whether this record is part of an initial
// snapshot ('r' = read).
func opToOperation(op string) (changeevent.Operation, bool, error) {
	switch op {
	case "c":
		return changeevent.OpInsert, false, nil
	case "r":
		return changeevent.OpInsert, true, nil
	case "u":
		return changeevent.OpUpdate, false, nil
	case "d":
		return changeevent.OpDelete, false, nil
	case "t":
		return changeevent.OpTruncate, false, nil
	default:
		return "", false, fmt.Errorf("%w: unknown op %q", errMalformedRecord, op)
	}
}

// parseEnvelope decodes one Kafka record value into a ChangeEvent, filling
// in the Kafka-native position coordinates supplied by the caller (they
// come from the consumed record, not the envelope body).
func parseEnvelope(value []byte, topic string, partition int32, offset int64) (*changeevent.ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedRecord, err)
	}

	operation, snapshot, err := opToOperation(env.Op)
	if err != nil {
		return nil, err
	}

	event := &changeevent.ChangeEvent{
		ID:        fmt.Sprintf("%s-%d-%d", topic, partition, offset),
		Operation: operation,
		Database:  env.Source.Db,
		Schema:    env.Source.Schema,
		Table:     env.Source.Table,
		Timestamp: time.UnixMilli(env.Source.TsMs).UTC(),
		Before:    env.Before,
		After:     env.After,
		Position: changeevent.Position{
			Topic:     topic,
			Partition: partition,
			Offset:    offset,
			LSN:       env.Source.LSN,
			File:      env.Source.File,
			Pos:       env.Source.Pos,
		},
		Metadata: map[string]string{
			"connector": env.Source.Connector,
		},
	}

	if snapshot {
		event.Metadata["snapshot"] = "true"
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedRecord, err)
	}

	return event, nil
}
