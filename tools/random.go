package tools

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
)

const RandomNumberToolName = "generate_random_number"

// RandomNumber draws a uniform integer in [min, max].
type RandomNumber struct {
	uint64N func(n uint64) uint64
}

func NewRandomNumber() *RandomNumber {
	return &RandomNumber{uint64N: rand.Uint64N}
}

func (r *RandomNumber) Definition() Definition {
	return Definition{
		Name:        RandomNumberToolName,
		Description: "Generate a random integer between min and max, inclusive.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"min": map[string]any{"type": "integer", "description": "Lowest allowed value"},
				"max": map[string]any{"type": "integer", "description": "Highest allowed value"},
			},
			"required": []string{"min", "max"},
		},
	}
}

func (r *RandomNumber) Call(_ context.Context, arguments string) (any, error) {
	var args map[string]any
	if err := sonic.UnmarshalString(arguments, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidToolArguments, err)
	}
	lo, ok := shared.AsInt(args["min"])
	if !ok {
		return nil, fmt.Errorf("%w: min must be an integer within ±2^53, got %v", shared.ErrInvalidToolArguments, args["min"])
	}
	hi, ok := shared.AsInt(args["max"])
	if !ok {
		return nil, fmt.Errorf("%w: max must be an integer within ±2^53, got %v", shared.ErrInvalidToolArguments, args["max"])
	}
	if lo > hi {
		return nil, fmt.Errorf("%w: min %d is greater than max %d", shared.ErrInvalidToolArguments, lo, hi)
	}
	// both bounds are within ±MaxExactInt, so the span cannot wrap
	span := uint64(int64(hi)-int64(lo)) + 1
	n := int64(lo) + int64(r.uint64N(span))
	return map[string]any{"number": n}, nil
}
