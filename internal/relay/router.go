package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"meshcall/internal/core"
	"meshcall/internal/domain"
)

// Router forwards directed envelopes (offer, answer, iceCandidate,
// message) to the recipient's session. Payloads pass through verbatim;
// only the from field is rewritten with the sender's login-bound
// identity, never trusted from the client.
type Router struct {
	dir *Directory
}

func NewRouter(dir *Directory) *Router {
	return &Router{dir: dir}
}

// Route delivers env to env.To. An unknown recipient (already left) is
// dropped silently: signaling is best-effort and superseded by later
// messages, so the sender is not notified.
func (r *Router) Route(from domain.UserID, env domain.Envelope) error {
	if !env.Directed() {
		return fmt.Errorf("unroutable event %q", env.Event)
	}
	env.From = from

	conn, err := r.dir.Lookup(env.To)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownUser) {
			log.Debug().Str("module", "relay.router").Str("event", env.Event).Str("to", env.To.String()).Msg("recipient unknown, dropped")
			return nil
		}
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := conn.TrySend(core.Frame(data)); err != nil {
		// Slow receiver; same best-effort policy as an unknown one.
		log.Warn().Str("module", "relay.router").Str("event", env.Event).Str("to", env.To.String()).Msg("recipient backpressured, dropped")
	}
	return nil
}
