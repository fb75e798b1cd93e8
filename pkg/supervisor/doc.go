/*
Package supervisor drives the per-package service state machine.

Each installed package gets an actor that serializes its lifecycle
operations: install, update, remove, start, stop, restart, backup. The
actor writes every transition through the database, so operators and
guests observe a single consistent view, and enforces the transition
table: a start from anything but Stopped, a remove of a running service,
or an update outside the source-version range are all rejected as
invalid requests.

Starting gates on declared dependencies (installed at a satisfying
version, and for Running dependencies, running with the listed health
checks passing) but never starts them; start ordering belongs to
operators, except on boot where previously running services restart in
dependency order.

The effect bus reaches an actor through its seed, a weakly-held
reference that fails with InvalidRequest once the supervisor has torn
the actor down.
*/
package supervisor
