/*
Package main is the executable entry point: it starts the WebSocket Session
Supervisor (routes /agent and /automation), a small health/version HTTP
surface, a Prometheus metrics endpoint, and the database migration
subcommands.

Subcommands:

	agentflow serve    Start the server
	agentflow migrate  Run schema migrations (up/down/status/version/goto/force/reset)
	agentflow version  Print build metadata
	agentflow health   Probe a running server's /health endpoint
*/
package main
