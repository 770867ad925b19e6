// README: Common money value object used across modules.
package types

// Money is opaque to the booking core; it is carried for downstream consumers.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}
