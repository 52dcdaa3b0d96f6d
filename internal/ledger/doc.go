// Package ledger abstracts the ledger node RPC surface consumed by the
// override orchestrator and the balance monitor. Concrete network
// implementations live in subpackages and are selected through the
// provider registry.
package ledger
