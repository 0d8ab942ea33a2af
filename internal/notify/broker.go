// Package notify implements the optional cross-instance notification
// fan-out described in SPEC_FULL.md §4.J: when multiple MCP server
// instances sit behind one logical deployment, a $/cancel issued against
// one instance must still reach whichever instance actually holds the
// in-flight invocation. A nil/no-op Broker keeps single-instance
// deployments free of any NATS dependency at runtime.
package notify

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// CancelSignal is published on the shared cancel subject whenever a
// $/cancel arrives at any instance; every instance subscribes and calls
// its local invocation engine's Cancel, which is a harmless no-op if that
// instance isn't holding the invocation.
type CancelSignal struct {
	InvocationID string `json:"invocationId"`
}

// Broker fans cancellation signals out across instances.
type Broker interface {
	PublishCancel(invocationID string) error
	Subscribe(handle func(invocationID string)) error
	Close() error
}

// NoopBroker is the zero-configuration single-instance Broker: publishing
// is a no-op and no signals ever arrive from Subscribe.
type NoopBroker struct{}

func (NoopBroker) PublishCancel(string) error                { return nil }
func (NoopBroker) Subscribe(func(invocationID string)) error  { return nil }
func (NoopBroker) Close() error                               { return nil }

const cancelSubject = "mcp.invocation.cancel"

// NATSBroker backs Broker with a NATS subject, grounded on
// github.com/nats-io/nats.go's pub/sub API (the retrieval pack's only
// messaging-broker dependency).
type NATSBroker struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// DialNATS connects to url and returns a ready-to-use NATSBroker.
func DialNATS(url string) (*NATSBroker, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSBroker{conn: conn}, nil
}

func (b *NATSBroker) PublishCancel(invocationID string) error {
	payload, err := json.Marshal(CancelSignal{InvocationID: invocationID})
	if err != nil {
		return err
	}
	return b.conn.Publish(cancelSubject, payload)
}

func (b *NATSBroker) Subscribe(handle func(invocationID string)) error {
	sub, err := b.conn.Subscribe(cancelSubject, func(msg *nats.Msg) {
		var sig CancelSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			return
		}
		handle(sig.InvocationID)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *NATSBroker) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}
