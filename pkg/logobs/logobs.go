// Package logobs implements the structured "logged observables" the
// consistency checker (external collaborator, spec §6) consumes: one
// JSON log line per send/receive of a data-carrying message.
//
// This mirrors the teacher's pkg/middleware/logging.go technique of
// marshaling a map[string]interface{} to JSON and writing it through
// the standard log package rather than a structured-logging library —
// the teacher never imports zap/zerolog/logrus even though its doc
// comments muse about them ("Production extensions: integrate with
// zerolog/zap"), so the core follows suit here.
package logobs

import (
	"encoding/json"
	"log"

	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
)

// Direction labels whether a data message is outbound from the actor
// or inbound to it, matching the "direction" field of spec §6.
type Direction string

const (
	Send Direction = "send"
	Recv Direction = "recv"
)

// DataMessage logs one data-carrying send/receive: a Read, Write,
// Response, or CriticalUpdate in flight between actorID and peerID.
func DataMessage(actorID, peerID message.NodeID, reqType message.RequestType, key message.Key, value message.Value, seqno int, qid message.QueryID, critical bool, dir Direction) {
	entry := map[string]interface{}{
		"actorId":     int(actorID),
		"peerId":      int(peerID),
		"requestType": reqType.String(),
		"key":         key,
		"value":       value,
		"seqno":       seqno,
		"qid":         string(qid),
		"isCritical":  critical,
		"direction":   string(dir),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] logobs: failed to marshal entry: %v", err)
		return
	}
	log.Printf("[INFO] %s", string(data))
}

// Event logs a non-data-carrying lifecycle event (crash, recovery,
// snapshot milestone) for a single actor, using the same JSON-line
// convention so both kinds of log lines can be parsed uniformly.
func Event(actorID message.NodeID, kind string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"actorId": int(actorID),
		"event":   kind,
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] logobs: failed to marshal event: %v", err)
		return
	}
	log.Printf("[INFO] %s", string(data))
}
