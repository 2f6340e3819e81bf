package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/invopop/jsonschema"
)

var ErrUnknownCapability = errors.New("unknown capability")

// Capability is a tool the model may call mid-conversation. Invoke receives
// the raw JSON arguments and returns the output relayed back to the model.
type Capability struct {
	Name        string
	Description string
	Parameters  map[string]any
	Invoke      func(ctx context.Context, arguments string) (string, error)
}

// ToolDefinition is the session.update form of a Capability.
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// NewCapability derives the parameter schema from T and decodes arguments
// into a T before calling fn. A string result is passed through as is; any
// other result is marshaled to JSON.
func NewCapability[T any](
	name, description string,
	fn func(ctx context.Context, args T) (any, error),
) (Capability, error) {
	if name == "" {
		return Capability{}, errors.New("capability name is required")
	}
	if fn == nil {
		return Capability{}, errors.New("capability function is required")
	}
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(new(T))
	raw, err := schema.MarshalJSON()
	if err != nil {
		return Capability{}, fmt.Errorf("marshaling schema of %s: %w", name, err)
	}
	var params map[string]any
	if err := sonic.Unmarshal(raw, &params); err != nil {
		return Capability{}, fmt.Errorf("unmarshaling schema of %s: %w", name, err)
	}
	delete(params, "$schema")
	delete(params, "$id")

	return Capability{
		Name:        name,
		Description: description,
		Parameters:  params,
		Invoke: func(ctx context.Context, arguments string) (string, error) {
			var args T
			if arguments == "" {
				arguments = "{}"
			}
			if err := sonic.UnmarshalString(arguments, &args); err != nil {
				return "", fmt.Errorf("decoding arguments: %w", err)
			}
			out, err := fn(ctx, args)
			if err != nil {
				return "", err
			}
			if s, ok := out.(string); ok {
				return s, nil
			}
			return sonic.MarshalString(out)
		},
	}, nil
}

// Capabilities is an immutable set of capabilities keyed by name.
type Capabilities struct {
	order  []string
	byName map[string]Capability
}

func NewCapabilities(caps ...Capability) (*Capabilities, error) {
	c := &Capabilities{byName: make(map[string]Capability, len(caps))}
	for _, capability := range caps {
		if capability.Name == "" {
			return nil, errors.New("capability name is required")
		}
		if capability.Invoke == nil {
			return nil, fmt.Errorf("capability %s has no invoke function", capability.Name)
		}
		if _, ok := c.byName[capability.Name]; ok {
			return nil, fmt.Errorf("duplicate capability %s", capability.Name)
		}
		c.byName[capability.Name] = capability
		c.order = append(c.order, capability.Name)
	}
	return c, nil
}

func (c *Capabilities) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

func (c *Capabilities) Definitions() []ToolDefinition {
	if c == nil {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(c.order))
	for _, name := range c.order {
		capability := c.byName[name]
		params := capability.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, ToolDefinition{
			Type:        "function",
			Name:        capability.Name,
			Description: capability.Description,
			Parameters:  params,
		})
	}
	return defs
}

func (c *Capabilities) Invoke(ctx context.Context, name, arguments string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	capability, ok := c.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return capability.Invoke(ctx, arguments)
}

// errorOutput is the tool result sent when a call fails.
func errorOutput(err error) string {
	out, mErr := sonic.MarshalString(map[string]string{"error": err.Error()})
	if mErr != nil {
		return `{"error":"tool call failed"}`
	}
	return out
}
