package eventbus

import (
	"encoding/json"

	"omnichannel-routing-system/shared/events"
)

func marshal(env events.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses an envelope read back from Kafka or the outbox.
func Decode(b []byte) (events.Envelope, error) {
	var env events.Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}
