package logging

import "github.com/rs/zerolog/log"

// Printf-style helpers over the global zerolog logger. Messages follow the
// "pkg.Type.method key=value" convention used across the repo.

func Tracef(format string, args ...any) { log.Trace().Msgf(format, args...) }
func Debugf(format string, args ...any) { log.Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { log.Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { log.Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { log.Error().Msgf(format, args...) }

// Logf writes at info level without a caller-chosen severity; tests use it
// to narrate steps.
func Logf(format string, args ...any) { log.Info().Msgf(format, args...) }
