package eventmap

import (
	"encoding/json"
	"strings"
	"time"

	modules "github.com/goliatone/go-tenant-modules"
)

const (
	// EventModuleStateChanged is the broadcast name of every module state change.
	EventModuleStateChanged = "module-state-changed"
	// EventNavigationUpdated tells clients to refetch the tenant menu.
	EventNavigationUpdated = "navigation.updated"
)

const (
	defaultChannelPrefix = "tenant."
	navigationSuffix     = ".navigation"
)

// ModulePayload is the module metadata clients receive.
type ModulePayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	IsCore      bool   `json:"is_core"`
}

// ActorPayload identifies who triggered the change.
type ActorPayload struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// StatePayload is the body of a module-state-changed broadcast.
type StatePayload struct {
	Module    ModulePayload `json:"module"`
	TenantID  string        `json:"tenant_id"`
	Timestamp string        `json:"timestamp"`
	Action    string        `json:"action"`
	Actor     *ActorPayload `json:"actor,omitempty"`
}

// NavigationPayload is the body of a navigation.updated broadcast.
type NavigationPayload struct {
	TenantID  string `json:"tenant_id"`
	Timestamp string `json:"timestamp"`
}

// Envelope is a transport-agnostic broadcast: which event, on which private
// channel, carrying what.
type Envelope struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channelPrefix string
	eventName     string
	includeActor  bool
}

// WithChannelPrefix sets the prefix of per tenant channels.
func WithChannelPrefix(prefix string) Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			opts.channelPrefix = prefix
		}
	}
}

// WithEventName overrides the state change event name.
func WithEventName(name string) Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		if name = strings.TrimSpace(name); name != "" {
			opts.eventName = name
		}
	}
}

// WithActor adds the actor to state payloads.
func WithActor() Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		opts.includeActor = true
	}
}

// Normalize converts a ModuleStateEvent into its broadcast envelope.
func Normalize(event modules.ModuleStateEvent, opts ...Option) Envelope {
	options := buildOptions(opts...)

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	payload := StatePayload{
		Module: ModulePayload{
			Name:        event.Module.Name,
			Description: event.Module.Description,
			Version:     event.Module.Version,
			IsCore:      event.Module.IsCore,
		},
		TenantID:  event.Tenant.ID,
		Timestamp: FormatTimestamp(ts),
		Action:    string(event.Action),
	}

	if options.includeActor && event.Actor != (modules.ActorRef{}) {
		payload.Actor = &ActorPayload{
			ID:   strings.TrimSpace(event.Actor.ID),
			Type: strings.TrimSpace(event.Actor.Type),
		}
	}

	return Envelope{
		Event:   options.eventName,
		Channel: TenantChannel(options.channelPrefix, event.Tenant.ID),
		Data:    payload,
	}
}

// Navigation builds the navigation.updated envelope for a tenant.
func Navigation(tenantID string, at time.Time, opts ...Option) Envelope {
	options := buildOptions(opts...)
	if at.IsZero() {
		at = time.Now()
	}
	return Envelope{
		Event:   EventNavigationUpdated,
		Channel: NavigationChannel(options.channelPrefix, tenantID),
		Data: NavigationPayload{
			TenantID:  tenantID,
			Timestamp: FormatTimestamp(at),
		},
	}
}

// TenantChannel is the private channel of a tenant.
func TenantChannel(prefix, tenantID string) string {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return prefix + tenantID
}

// NavigationChannel is the private navigation channel of a tenant.
func NavigationChannel(prefix, tenantID string) string {
	return TenantChannel(prefix, tenantID) + navigationSuffix
}

// FormatTimestamp renders ISO-8601 in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func buildOptions(opts ...Option) normalizeOptions {
	options := normalizeOptions{
		channelPrefix: defaultChannelPrefix,
		eventName:     EventModuleStateChanged,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}
