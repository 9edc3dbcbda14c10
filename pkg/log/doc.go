/*
Package log provides structured logging for converge using zerolog.

A single global Logger is configured once by Init and every component
derives a child logger from it:

	log.Init(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: true,
	})

	logger := log.WithComponent("orchestrator")
	logger.Info().Int("applications", 3).Msg("Orchestration cycle complete")

WithResource and WithApplication add the identity of a graph resource or an
application to every entry:

	log.WithApplication("web").Warn().Err(err).Msg("Application failed")

Console output is the default; JSONOutput switches to one JSON object per
line for log shippers.
*/
package log
