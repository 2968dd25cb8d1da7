package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// demoRequest is the request sum type of the demo service. It stands in
// for the per-service request enum which a schema-generation layer would
// emit: exactly one variant is set.
type demoRequest struct {
	Add *addArgs `json:"add,omitempty"`
	Hey *heyArgs `json:"hey,omitempty"`
}

type addArgs struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

type heyArgs struct {
	Name string `json:"name"`
}

// demoResponse is the matching response sum type.
type demoResponse struct {
	Sum      *int64  `json:"sum,omitempty"`
	Greeting *string `json:"greeting,omitempty"`
}

// demoHandler implements the demo service.
func demoHandler(_ context.Context, payload []byte) ([]byte, error) {
	var req demoRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	var resp demoResponse
	switch {
	case req.Add != nil:
		var sum = req.Add.X + req.Add.Y
		resp.Sum = &sum
	case req.Hey != nil:
		if req.Hey.Name == "" {
			return nil, errors.New("a name is required")
		}
		var greeting = fmt.Sprintf("Hey, %s.", req.Hey.Name)
		resp.Greeting = &greeting
	default:
		return nil, errors.New("no known request variant is set")
	}
	return json.Marshal(resp)
}
