// Package governance holds the runtime safety controls used by the incident
// service: the delivery retry policy, per-attempt timeouts and token bucket rate
// limits for the manual trigger routes.
package governance
