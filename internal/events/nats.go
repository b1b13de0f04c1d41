package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"seoflow/internal/domain"
)

// NATS publishes each transition as JSON on seoflow.task.<status>.
type NATS struct {
	nc *nats.Conn
}

func NewNATS(nc *nats.Conn) *NATS { return &NATS{nc: nc} }

// Connect dials url with reconnects enabled.
func Connect(url string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("seoflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return NewNATS(nc), nil
}

func (p *NATS) Publish(_ context.Context, t domain.Task) error {
	data, err := json.Marshal(FromTask(t))
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(t.Status), data)
}

func (p *NATS) Close() {
	if p.nc != nil {
		p.nc.Drain()
	}
}
