package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrSessionNotFound       = errors.New("session not found")
	ErrBridgeNotFound        = errors.New("bridge not found")
	ErrInvalidStatus         = errors.New("invalid session status transition")
	ErrStaleStats            = errors.New("stats older than current snapshot")
	ErrBridgeClosed          = errors.New("bridge closed")
	ErrAnswerBeforeOffer     = errors.New("answer received before local offer")
	ErrOfferAlreadyCreated   = errors.New("local offer already created")
	ErrUpstreamNotConnected  = errors.New("upstream not connected")
	ErrUpstreamAlreadyOpen   = errors.New("upstream already connected")
	ErrUpstreamClosed        = errors.New("upstream closed")
	ErrDataChannelNotOpen    = errors.New("data channel not open")
	ErrUnknownTool           = errors.New("unknown tool")
	ErrInvalidToolArguments  = errors.New("invalid tool arguments")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)
