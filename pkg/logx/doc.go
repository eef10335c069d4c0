// Package logx is conduit's structured logging: a small value-type Logger
// over zerolog.
//
// The console sink is human-readable (short timestamp and caller) or raw
// JSON for log shippers. The file sink is always JSON. Service.Apply swaps
// level and sinks at runtime, which the config reload path relies on.
package logx
