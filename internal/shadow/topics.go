package shadow

import (
	"encoding/json"
	"strings"
)

const topicPrefix = "$aws/things/"

// Topic returns the shadow topic for thing, operation and optional
// response status, e.g. $aws/things/sensor-01/shadow/update/accepted.
func Topic(thing string, op Operation, status ...Status) string {
	t := topicPrefix + thing + "/shadow/" + string(op)
	if len(status) > 0 {
		t += "/" + string(status[0])
	}
	return t
}

// responseTopics lists the topics a thing's outcomes arrive on.
func responseTopics(thing string) map[string]byte {
	filters := make(map[string]byte, 4)
	for _, op := range []Operation{OpUpdate, OpDelete} {
		for _, st := range []Status{StatusAccepted, StatusRejected} {
			filters[Topic(thing, op, st)] = qosAtLeastOnce
		}
	}
	return filters
}

// parseTopic splits a response topic into its parts.
func parseTopic(topic string) (thing string, op Operation, status Status, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 6 || parts[0] != "$aws" || parts[1] != "things" || parts[3] != "shadow" {
		return "", "", "", false
	}

	op = Operation(parts[4])
	status = Status(parts[5])
	if op != OpUpdate && op != OpDelete {
		return "", "", "", false
	}
	if status != StatusAccepted && status != StatusRejected {
		return "", "", "", false
	}

	return parts[2], op, status, true
}

type updateRequest struct {
	State       reportedState `json:"state"`
	ClientToken string        `json:"clientToken"`
}

type reportedState struct {
	Reported any `json:"reported"`
}

type deleteRequest struct {
	ClientToken string `json:"clientToken"`
}

type response struct {
	ClientToken string `json:"clientToken"`
	Version     int64  `json:"version"`
	Timestamp   int64  `json:"timestamp"`
	State       *struct {
		Reported json.RawMessage `json:"reported"`
	} `json:"state"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EncodeUpdate builds the update document for reported state.
func EncodeUpdate(reported any, token string) ([]byte, error) {
	return json.Marshal(updateRequest{
		State:       reportedState{Reported: reported},
		ClientToken: token,
	})
}

// EncodeDelete builds the delete request document.
func EncodeDelete(token string) ([]byte, error) {
	return json.Marshal(deleteRequest{ClientToken: token})
}
