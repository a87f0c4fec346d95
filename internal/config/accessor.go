package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path (e.g. "channels.whatsapp.port").
func GetByPath(cfg *Config, path string) (any, error) {
	data, err := json.Marshal(Sanitize(cfg))
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Channels.Telegram.Token = maskString(c.Channels.Telegram.Token)
	c.Channels.WhatsApp.AccessToken = maskString(c.Channels.WhatsApp.AccessToken)
	c.Channels.WhatsApp.VerifyToken = maskString(c.Channels.WhatsApp.VerifyToken)
	c.Channels.WhatsApp.AppSecret = maskString(c.Channels.WhatsApp.AppSecret)
	c.Engines.Query.APIKey = maskString(c.Engines.Query.APIKey)
	c.Engines.Content.APIKey = maskString(c.Engines.Content.APIKey)
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
