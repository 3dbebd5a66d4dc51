package lease

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Op is the kind of a replicated lease mutation.
type Op string

const (
	OpRegister Op = "register"
	OpRenew    Op = "renew"
	OpCancel   Op = "cancel"
	OpEvict    Op = "evict"
)

// Command is a lease mutation travelling through the replicated log.
// Timestamp is stamped once by the submitting replica so that every replica
// applies identical lease timestamps.
type Command struct {
	Op           Op              `json:"op"`
	Key          string          `json:"key"`
	Entity       json.RawMessage `json:"entity"`
	DurationSecs int             `json:"durationSecs,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

func newCommand[E Entity](op Op, e E, durationSecs int, timestamp int64) (Command, error) {
	var raw, err = json.Marshal(e)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode entity %s: %w", e.Key(), err)
	}

	return Command{
		Op:           op,
		Key:          e.Key(),
		Entity:       raw,
		DurationSecs: durationSecs,
		Timestamp:    timestamp,
	}, nil
}

// Marshal encodes the command for the log.
func (c Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCommand decodes a command read from the log.
func UnmarshalCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("failed to decode lease command: %w", err)
	}

	switch c.Op {
	case OpRegister, OpRenew, OpCancel, OpEvict:
	default:
		return Command{}, fmt.Errorf("unknown lease command op %q", c.Op)
	}

	return c, nil
}

func decodeEntity[E Entity](c Command) (E, error) {
	var e E
	if err := json.Unmarshal(c.Entity, &e); err != nil {
		return e, fmt.Errorf("failed to decode entity %s: %w", c.Key, err)
	}
	return e, nil
}
