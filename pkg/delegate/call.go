package delegate

import (
	"context"
	"fmt"

	"github.com/federated/agentfabric/pkg/wire"
)

type taskRunPayload struct {
	Kind         string `json:"kind"`
	Prompt       string `json:"prompt"`
	ServiceToken string `json:"serviceToken"`
	ClientID     string `json:"clientId"`
}

// callNode opens a direct connection to a node's endpoint and runs a task.
func (c *Client) callNode(ctx context.Context, endpointURL, kind, prompt string) (string, error) {
	conn, err := c.dial(ctx, endpointURL)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := wire.New("task_run", "", taskRunPayload{
		Kind:         kind,
		Prompt:       prompt,
		ServiceToken: c.cfg.ServiceToken,
		ClientID:     c.cfg.ClientID,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return "", err
	}
	switch env.Type {
	case "task_result":
		var body struct {
			Content string `json:"content"`
		}
		if err := env.Decode(&body); err != nil {
			return "", fmt.Errorf("decode task_result: %w", err)
		}
		return body.Content, nil
	case "task_error", "error":
		return "", errMessage(env, "task failed")
	default:
		return "", fmt.Errorf("unexpected reply type %s", env.Type)
	}
}

type relayRequestPayload struct {
	NodeID       string `json:"nodeId"`
	Kind         string `json:"kind"`
	Prompt       string `json:"prompt"`
	ServiceToken string `json:"serviceToken"`
	ClientID     string `json:"clientId"`
	RelayToken   string `json:"relayToken"`
}

// callViaRelay asks a relay to forward a task to nodeId and waits for its
// relay_response.
func (c *Client) callViaRelay(ctx context.Context, nodeID, kind, prompt string) (string, error) {
	conn, err := c.dial(ctx, c.cfg.RelayURL)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := wire.New("relay_request", "", relayRequestPayload{
		NodeID:       nodeID,
		Kind:         kind,
		Prompt:       prompt,
		ServiceToken: c.cfg.ServiceToken,
		ClientID:     c.cfg.ClientID,
		RelayToken:   c.cfg.RelayToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return "", err
	}
	switch env.Type {
	case "relay_response":
		var body struct {
			OK      bool   `json:"ok"`
			Content string `json:"content"`
			Message string `json:"message"`
		}
		if err := env.Decode(&body); err != nil {
			return "", fmt.Errorf("decode relay_response: %w", err)
		}
		if !body.OK {
			if body.Message == "" {
				body.Message = "relay task failed"
			}
			return "", fmt.Errorf("%s", body.Message)
		}
		return body.Content, nil
	case "error":
		return "", errMessage(env, "relay error")
	default:
		return "", fmt.Errorf("unexpected reply type %s", env.Type)
	}
}
