// Package transports imports the built-in transports for their registration
// side effect. Import it when the transport is picked by name at runtime.
package transports

import (
	_ "github.com/drblury/leopard/transport/memory"
	_ "github.com/drblury/leopard/transport/nats"
)
