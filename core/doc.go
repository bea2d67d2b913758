// Package core contains the relay domain contracts, entities, configuration
// and error envelope. Storage, transport and queue adapters depend on this
// package; core must not depend on any of them.
package core
