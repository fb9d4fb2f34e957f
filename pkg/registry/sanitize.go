package registry

import (
	"encoding/json"
	"strings"
)

const (
	maxStringLen = 512
	maxListItems = 32
	maxTagCount  = 20
	maxTagLen    = 32
)

// SanitizeCapabilityCard decodes a capability card leniently: unknown keys
// are dropped (encoding/json already does this for a typed struct), wrong
// types are dropped rather than rejected, and every string is trimmed and
// length-capped. The registry stores the result but never interprets it.
func SanitizeCapabilityCard(raw json.RawMessage) CapabilityCard {
	if len(raw) == 0 {
		return CapabilityCard{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return CapabilityCard{}
	}

	card := CapabilityCard{
		SchemaVersion: capString(m["schemaVersion"]),
		Summary:       capString(m["summary"]),
		Region:        capString(m["region"]),
		Skills:        capStringList(m["skills"]),
		Languages:     capStringList(m["languages"]),
		Tags:          sanitizeTags(m["tags"]),
	}

	if rawTools, ok := m["tools"].([]any); ok {
		for _, it := range rawTools {
			if len(card.Tools) >= maxListItems {
				break
			}
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			card.Tools = append(card.Tools, CardTool{
				Name:  capString(obj["name"]),
				Scope: capString(obj["scope"]),
				Notes: capString(obj["notes"]),
			})
		}
	}

	if rawModels, ok := m["models"].([]any); ok {
		for _, it := range rawModels {
			if len(card.Models) >= maxListItems {
				break
			}
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			ctx := 0
			if f, ok := obj["contextTokens"].(float64); ok {
				ctx = int(f)
			}
			card.Models = append(card.Models, CardModel{
				ID:            capString(obj["id"]),
				Provider:      capString(obj["provider"]),
				ContextTokens: ctx,
			})
		}
	}

	if pricing, ok := m["pricing"].(map[string]any); ok {
		card.Pricing = CardPricing{
			Unit:        capString(pricing["unit"]),
			PerRequest:  capFloat(pricing["perRequest"]),
			Per1kTokens: capFloat(pricing["per1kTokens"]),
		}
	}

	if limits, ok := m["limits"].(map[string]any); ok {
		card.Limits = CardLimits{
			MaxTokens:             capInt(limits["maxTokens"]),
			TimeoutSec:            capInt(limits["timeoutSec"]),
			RateLimitPerMin:       capInt(limits["rateLimitPerMin"]),
			RateLimitPerMinByNode: capInt(limits["rateLimitPerMinByNode"]),
			Concurrency:           capInt(limits["concurrency"]),
		}
	}

	if avail, ok := m["availability"].(map[string]any); ok {
		card.Availability = CardAvailability{
			Status:    capString(avail["status"]),
			Hours:     capString(avail["hours"]),
			Uptime90d: capFloat(avail["uptime90d"]),
		}
	}

	if auth, ok := m["auth"].(map[string]any); ok {
		required, _ := auth["required"].(bool)
		card.Auth = CardAuth{Mode: capString(auth["mode"]), Required: required}
	}

	if contact, ok := m["contact"].(map[string]any); ok {
		card.Contact = CardContact{Owner: capString(contact["owner"]), Website: capString(contact["website"])}
	}

	if rawExamples, ok := m["examples"].([]any); ok {
		for _, it := range rawExamples {
			if len(card.Examples) >= maxListItems {
				break
			}
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			card.Examples = append(card.Examples, CardExample{
				Input:  capString(obj["input"]),
				Output: capString(obj["output"]),
			})
		}
	}

	return card
}

func capString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if len(s) > maxStringLen {
		s = s[:maxStringLen]
	}
	return s
}

func capFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func capInt(v any) int {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}

func capStringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, it := range list {
		if len(out) >= maxListItems {
			break
		}
		s := capString(it)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SanitizeTags enforces the knowledge-pack and capability-card tag policy:
// at most 20 tags, each trimmed and capped at 32 bytes.
func SanitizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if len(out) >= maxTagCount {
			break
		}
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > maxTagLen {
			t = t[:maxTagLen]
		}
		out = append(out, t)
	}
	return out
}

func sanitizeTags(v any) []string {
	return SanitizeTags(capStringList(v))
}
