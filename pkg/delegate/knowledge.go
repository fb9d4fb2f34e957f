package delegate

import (
	"context"
	"fmt"
	"time"

	"github.com/federated/agentfabric/pkg/wire"
)

// KnowledgePackMeta is the metadata the registry returns for a published
// pack, without its content body.
type KnowledgePackMeta struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Summary     string    `json:"summary"`
	Tags        []string  `json:"tags"`
	Version     string    `json:"version"`
	OwnerNode   string    `json:"ownerNode"`
	CreatedTS   time.Time `json:"createdTs"`
	UpdatedTS   time.Time `json:"updatedTs"`
	ContentHash string    `json:"contentHash"`
	SizeBytes   int       `json:"sizeBytes"`
}

// KnowledgePack is a full pack including its content, as returned by
// knowledge_get.
type KnowledgePack struct {
	KnowledgePackMeta
	Content string `json:"content"`
}

// KnowledgePublishInput is what a caller supplies to publish a pack;
// RegistryToken is filled in from the client's own configuration.
type KnowledgePublishInput struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Content       string   `json:"content"`
	Summary       string   `json:"summary"`
	Tags          []string `json:"tags"`
	Version       string   `json:"version"`
	OwnerNode     string   `json:"ownerNode,omitempty"`
	AllowUpdate   bool     `json:"allowUpdate"`
	RegistryToken string   `json:"registryToken"`
}

// PublishKnowledge pushes a pack to the registry and returns its assigned
// id, size, and content hash.
func (c *Client) PublishKnowledge(ctx context.Context, p KnowledgePublishInput) (KnowledgePackMeta, error) {
	p.RegistryToken = c.cfg.RegistryToken
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return KnowledgePackMeta{}, err
	}
	defer conn.Close()

	req := wire.New("knowledge_publish", "", p)
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return KnowledgePackMeta{}, err
	}
	if env.Type == "error" {
		return KnowledgePackMeta{}, errMessage(env, "publish failed")
	}
	var meta KnowledgePackMeta
	if err := env.Decode(&meta); err != nil {
		return KnowledgePackMeta{}, fmt.Errorf("decode knowledge_publish_ok: %w", err)
	}
	return meta, nil
}

type knowledgeListPayload struct {
	Kind          string `json:"kind,omitempty"`
	Tag           string `json:"tag,omitempty"`
	OwnerNode     string `json:"ownerNode,omitempty"`
	Limit         int    `json:"limit"`
	RegistryToken string `json:"registryToken,omitempty"`
}

// ListKnowledge asks the registry for pack metadata matching the given
// filters (any of which may be left empty).
func (c *Client) ListKnowledge(ctx context.Context, kind, tag, ownerNode string, limit int) ([]KnowledgePackMeta, error) {
	if limit <= 0 {
		limit = 50
	}
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := wire.New("knowledge_list", "", knowledgeListPayload{
		Kind:          kind,
		Tag:           tag,
		OwnerNode:     ownerNode,
		Limit:         limit,
		RegistryToken: c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	if env.Type == "error" {
		return nil, errMessage(env, "list failed")
	}
	var body struct {
		Packs []KnowledgePackMeta `json:"packs"`
	}
	if err := env.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode knowledge_list_result: %w", err)
	}
	return body.Packs, nil
}

// GetKnowledge fetches a full pack, including its content, from the
// registry.
func (c *Client) GetKnowledge(ctx context.Context, packID string) (KnowledgePack, error) {
	conn, err := c.dial(ctx, c.cfg.RegistryURL)
	if err != nil {
		return KnowledgePack{}, err
	}
	defer conn.Close()

	req := wire.New("knowledge_get", "", map[string]string{
		"id":            packID,
		"registryToken": c.cfg.RegistryToken,
	})
	env, err := roundTrip(ctx, conn, req)
	if err != nil {
		return KnowledgePack{}, err
	}
	if env.Type == "error" {
		return KnowledgePack{}, errMessage(env, "get failed")
	}
	var pack KnowledgePack
	if err := env.Decode(&pack); err != nil {
		return KnowledgePack{}, fmt.Errorf("decode knowledge_get_result: %w", err)
	}
	return pack, nil
}
