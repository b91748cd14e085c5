package service

import (
	"context"

	"receiverlink/internal/receiver"
	"receiverlink/internal/trust"
)

// Connector opens sessions. Implementations must close anything they
// opened when they return an error.
type Connector interface {
	Connect(ctx context.Context, spec receiver.Spec, opts receiver.Options) (*receiver.Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, spec receiver.Spec, opts receiver.Options) (*receiver.Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, spec receiver.Spec, opts receiver.Options) (*receiver.Session, error) {
	return f(ctx, spec, opts)
}

// KeystoreConnector dials receivers with trust material from a Keystore:
// the pinned context and stored token for normal specs, the permissive
// context for pairing specs.
type KeystoreConnector struct {
	Keys *trust.Keystore
}

func (k KeystoreConnector) Connect(ctx context.Context, spec receiver.Spec, opts receiver.Options) (*receiver.Session, error) {
	if spec.Pairing {
		return receiver.Dial(ctx, spec, k.Keys.PairingTLSConfig(), nil, opts)
	}
	return receiver.Dial(ctx, spec, k.Keys.ClientTLSConfig(), k.Keys.TokenFor, opts)
}
