/*
Package services tracks and drives the agent's local sub-services.

Each application container runs up to three named services (code-server,
app, db). The tracker owns one state slot per service, mutated only through
commanded Start/Stop transitions or the periodic reconciliation against the
real process manager. Slots lock independently: a slow db stop never blocks
an app start.

A start order is verified: after issuing it the tracker waits a few seconds
and re-reads actual state, so a service that exits immediately is reported
as stopped, not running. Completed transitions emit exactly one notification
on a buffered channel for upstream telemetry; reporting never blocks the
command path.
*/
package services
