package coordinator

import (
	"time"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

// deadServerTimeout bounds the verification ping: a suspect that cannot
// answer within it is declared dead.
const deadServerTimeout = 250 * time.Millisecond

// verifyServerFailure investigates a suspect and returns true if it is
// dead. Requires the coordinator lock.
func (csl *ServerList) verifyServerFailure(id protocol.ServerId, locator string) bool {
	if csl.forceDownForTesting {
		return true
	}

	if err := csl.transport.Ping(id, locator, deadServerTimeout); err != nil {
		csl.logger.Info().Err(err).
			Str("server_id", id.String()).
			Str("locator", locator).
			Msg("verified host failure")
		return true
	}

	csl.logger.Info().
		Str("server_id", id.String()).
		Str("locator", locator).
		Msg("false positive crash report")
	return false
}
