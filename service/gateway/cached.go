package gateway

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedGateway 给 GetParticipants 加一层短 TTL 缓存，其余调用直通
type CachedGateway struct {
	Gateway
	participants *gocache.Cache
}

func NewCachedParticipants(gw Gateway, ttl time.Duration) *CachedGateway {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedGateway{Gateway: gw, participants: gocache.New(ttl, 2*ttl)}
}

func (g *CachedGateway) GetParticipants(ctx context.Context, conversationID string) ([]string, error) {
	if v, ok := g.participants.Get(conversationID); ok {
		return append([]string(nil), v.([]string)...), nil
	}
	users, err := g.Gateway.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	g.participants.SetDefault(conversationID, append([]string(nil), users...))
	return users, nil
}

// Invalidate 成员变动时清掉缓存
func (g *CachedGateway) Invalidate(conversationID string) {
	g.participants.Delete(conversationID)
}
