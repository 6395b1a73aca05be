/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package auth owns bot definitions and their credentials. A definition is
// registered with a single-use onboarding token; the first successful
// handshake trades that token for a long-lived API key in one atomic swap.
// At any instant a live definition has exactly one of the two credentials.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/backend"
)

const (
	botsPrefix  = "bots"
	credsPrefix = "creds"

	// token sizes in bytes of entropy
	oneTimeTokenBytes = 16
	apiKeyBytes       = 32
)

// Config holds service dependencies.
type Config struct {
	// Backend stores definitions and credentials. Required.
	Backend backend.Backend
	// Clock overrides the real clock in tests.
	Clock clockwork.Clock
	// Logger receives audit-style records of credential events.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "auth")
	}
	return nil
}

// NewService creates the credential service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// Service implements the bot definition and credential lifecycle.
type Service struct {
	cfg Config

	mu sync.Mutex
	// deleteSubs are notified after a definition and its credentials are
	// removed, so live sessions of that bot can be torn down.
	deleteSubs []func(botID string)
}

// OnBotDeleted registers a callback invoked with the bot id of every
// deleted definition.
func (s *Service) OnBotDeleted(fn func(botID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteSubs = append(s.deleteSubs, fn)
}

// CreateBot registers a definition, assigning a fresh bot id, and mints its
// one-time registration token. The token is returned exactly once and never
// reappears in any read API.
func (s *Service) CreateBot(ctx context.Context, def *types.BotDefinition) (*types.BotDefinition, string, error) {
	if err := def.CheckAndSetDefaults(); err != nil {
		return nil, "", trace.Wrap(err)
	}
	out := def.Clone()
	out.BotID = "bot-" + randomHex(8)
	out.CreatedAt = s.cfg.Clock.Now().UTC()

	token := randomHex(oneTimeTokenBytes)
	creds := types.BotCredentials{
		BotID:        out.BotID,
		OneTimeToken: token,
		CreatedAt:    out.CreatedAt,
	}

	defItem, err := marshalItem(backend.Key(botsPrefix, out.BotID), out)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	credsItem, err := marshalItem(backend.Key(credsPrefix, out.BotID), creds)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if err := s.cfg.Backend.Create(ctx, *defItem); err != nil {
		return nil, "", trace.Wrap(err)
	}
	if err := s.cfg.Backend.Put(ctx, *credsItem); err != nil {
		return nil, "", trace.Wrap(err)
	}

	s.cfg.Logger.InfoContext(ctx, "Registered bot definition",
		"bot_id", out.BotID, "adapter_type", out.AdapterType)
	return out, token, nil
}

// GetBot returns a definition by id.
func (s *Service) GetBot(ctx context.Context, botID string) (*types.BotDefinition, error) {
	item, err := s.cfg.Backend.Get(ctx, backend.Key(botsPrefix, botID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("bot %q is not found", botID)
		}
		return nil, trace.Wrap(err)
	}
	var def types.BotDefinition
	if err := json.Unmarshal(item.Value, &def); err != nil {
		return nil, trace.Wrap(err)
	}
	return &def, nil
}

// ListBots returns all definitions in bot id order.
func (s *Service) ListBots(ctx context.Context) ([]types.BotDefinition, error) {
	start := backend.Key(botsPrefix)
	items, err := s.cfg.Backend.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.BotDefinition, 0, len(items))
	for _, item := range items {
		var def types.BotDefinition
		if err := json.Unmarshal(item.Value, &def); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, def)
	}
	return out, nil
}

// UpdateBot replaces the mutable fields of an existing definition. BotID
// and CreatedAt are immutable.
func (s *Service) UpdateBot(ctx context.Context, def *types.BotDefinition) (*types.BotDefinition, error) {
	if err := def.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := s.GetBot(ctx, def.BotID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := def.Clone()
	out.CreatedAt = existing.CreatedAt

	item, err := marshalItem(backend.Key(botsPrefix, out.BotID), out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Backend.Put(ctx, *item); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// DeleteBot removes the definition and both credentials, then notifies
// subscribers so live sessions of the bot are force-closed.
func (s *Service) DeleteBot(ctx context.Context, botID string) error {
	if err := s.cfg.Backend.Delete(ctx, backend.Key(botsPrefix, botID)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("bot %q is not found", botID)
		}
		return trace.Wrap(err)
	}
	if err := s.cfg.Backend.Delete(ctx, backend.Key(credsPrefix, botID)); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}

	s.cfg.Logger.InfoContext(ctx, "Deleted bot definition", "bot_id", botID)

	s.mu.Lock()
	subs := append([]func(string){}, s.deleteSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(botID)
	}
	return nil
}

// ConsumeOneTimeToken trades an unconsumed one-time token for a freshly
// minted long-lived API key. The exchange is a compare-and-swap against the
// stored credentials: across any number of concurrent attempts exactly one
// succeeds, every other caller fails with a compare conflict.
func (s *Service) ConsumeOneTimeToken(ctx context.Context, botID, candidate string) (string, error) {
	credsItem, err := s.cfg.Backend.Get(ctx, backend.Key(credsPrefix, botID))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.AccessDenied("invalid credentials for bot %q", botID)
		}
		return "", trace.Wrap(err)
	}
	var creds types.BotCredentials
	if err := json.Unmarshal(credsItem.Value, &creds); err != nil {
		return "", trace.Wrap(err)
	}
	if creds.OneTimeToken == "" || !constantTimeEqual(creds.OneTimeToken, candidate) {
		s.cfg.Logger.WarnContext(ctx, "One-time token rejected", "bot_id", botID)
		return "", trace.AccessDenied("invalid credentials for bot %q", botID)
	}

	now := s.cfg.Clock.Now().UTC()
	next := creds
	next.OneTimeToken = ""
	next.APIKey = randomHex(apiKeyBytes)
	next.LastUsed = &now

	nextItem, err := marshalItem(credsItem.Key, next)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := s.cfg.Backend.CompareAndSwap(ctx, *credsItem, *nextItem); err != nil {
		if trace.IsCompareFailed(err) || trace.IsNotFound(err) {
			return "", trace.CompareFailed("one-time token for bot %q was already consumed", botID)
		}
		return "", trace.Wrap(err)
	}

	s.cfg.Logger.InfoContext(ctx, "One-time token consumed, API key issued", "bot_id", botID)
	return next.APIKey, nil
}

// VerifyAPIKey checks a candidate long-lived key in constant time and
// records the use.
func (s *Service) VerifyAPIKey(ctx context.Context, botID, candidate string) error {
	credsItem, err := s.cfg.Backend.Get(ctx, backend.Key(credsPrefix, botID))
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.AccessDenied("invalid credentials for bot %q", botID)
		}
		return trace.Wrap(err)
	}
	var creds types.BotCredentials
	if err := json.Unmarshal(credsItem.Value, &creds); err != nil {
		return trace.Wrap(err)
	}
	if creds.APIKey == "" || !constantTimeEqual(creds.APIKey, candidate) {
		s.cfg.Logger.WarnContext(ctx, "API key rejected", "bot_id", botID)
		return trace.AccessDenied("invalid credentials for bot %q", botID)
	}

	// track last use; best effort, an overlapping write is harmless
	now := s.cfg.Clock.Now().UTC()
	creds.LastUsed = &now
	if item, err := marshalItem(credsItem.Key, creds); err == nil {
		_ = s.cfg.Backend.Put(ctx, *item)
	}
	return nil
}

func marshalItem(key []byte, v any) (*backend.Item, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &backend.Item{Key: key, Value: data}, nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
