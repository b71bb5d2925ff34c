package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component derives a logger from the global one, tagged with the
// subsystem and host it reports for.
func Component(name string, host string) zerolog.Logger {
	ctx := log.Logger.With().Str("component", name)
	if host != "" {
		ctx = ctx.Str("host", host)
	}
	return ctx.Logger()
}
