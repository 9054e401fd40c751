package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capabilities-gateway/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalSubject overrides the global lifecycle subject (GATEWAY_EVENT_SUBJECT).
	GlobalSubject string
	// Host scopes granular subjects to one host instance.
	Host string
}

// CommsPublisher publishes lifecycle events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	globalSubject string
	host          string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, globalSubject: commsutil.SubjectLifecycle}
	if opts != nil {
		if opts.GlobalSubject != "" {
			p.globalSubject = opts.GlobalSubject
		}
		p.host = opts.Host
	}
	return p
}

// Publish sends event to the granular subject for its kind and to the global subject.
func (p *CommsPublisher) Publish(_ context.Context, event *LifecycleEvent) error {
	if event.Host == "" {
		event.Host = p.host
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildLifecycleSubject(p.host, event.Kind)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return fmt.Errorf("%s - failed to publish to %s: %w", commsPublisherLogPrefix, granularSubject, err)
	}

	if err := p.nc.Publish(p.globalSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalSubject, err))
		return fmt.Errorf("%s - failed to publish to %s: %w", commsPublisherLogPrefix, p.globalSubject, err)
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event", commsPublisherLogPrefix, event.Kind))
	return nil
}
