// Package guardian contains the supervising loop that keeps custodial
// vaults observable. It periodically combines on-chain balances with
// off-chain vault state, scores the result, and raises alerts whenever a
// vault degrades below an acceptable tier.
package guardian
