// README: Identifier and start-code generation.
package booking

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"escort/internal/types"
)

const (
	startCodeMin  = 100000
	startCodeSpan = 900000
	// attempts before giving up on finding a code unused by live bookings.
	startCodeAttempts = 10
)

func newID() types.ID {
	return types.ID(uuid.NewString())
}

// NewStartCode draws a six digit code uniformly from 100000-999999.
func NewStartCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(startCodeSpan))
	if err != nil {
		return "", fmt.Errorf("start code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+startCodeMin), nil
}
