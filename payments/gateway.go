// Package payments routes and tracks Lightning operations against a
// federation session.
package payments

import (
	"context"
	"errors"

	"satchel/fedimint"
)

// ErrNoGatewaysAvailable means the session's gateway cache is empty.
var ErrNoGatewaysAvailable = errors.New("no gateways available")

// SelectGateway picks the first gateway from the session's cached list.
// Order is whatever the federation's discovery returned; no scoring is done
// here. Cache staleness is bounded by the registry's periodic refresh.
func SelectGateway(ctx context.Context, session fedimint.Session) (fedimint.Gateway, error) {
	gateways, err := session.Lightning().Gateways(ctx)
	if err != nil {
		return fedimint.Gateway{}, err
	}
	if len(gateways) == 0 {
		return fedimint.Gateway{}, ErrNoGatewaysAvailable
	}
	return gateways[0], nil
}
