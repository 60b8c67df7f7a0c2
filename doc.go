// # Voice Relay
//
// Package relay bridges a browser peer connection to the xAI realtime voice API.
// The browser negotiates a WebRTC peer connection over a short-lived signaling
// socket; once the data channel opens, every JSON envelope it carries is relayed
// verbatim to one upstream realtime socket per session, and every upstream
// message is relayed back. A Hub owns the session registry and the table of live
// bridges and is the only state shared between sessions.
package relay
