// Package communications implements real-time messaging transport for the
// forum.
//
// It keeps WebSocket lifecycle, room fan-out, and durable notification
// delivery isolated from domain logic so startup and investor profile
// services remain the source of truth for identity and subscriptions.
package communications
