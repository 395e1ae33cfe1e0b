package agentgate

import (
	"net/http"
	"strings"
	"sync"

	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
)

// proxyRoundTripperProvider returns a per-account HTTP transport based on
// the account's proxy URL override, caching one transport per URL.
type proxyRoundTripperProvider struct {
	mu    sync.RWMutex
	cache map[string]http.RoundTripper
}

func newProxyRoundTripperProvider() *proxyRoundTripperProvider {
	return &proxyRoundTripperProvider{cache: make(map[string]http.RoundTripper)}
}

// RoundTripperFor implements coreauth.RoundTripperProvider.
func (p *proxyRoundTripperProvider) RoundTripperFor(auth *coreauth.Auth) http.RoundTripper {
	if auth == nil {
		return nil
	}
	proxy := strings.TrimSpace(auth.ProxyURL)
	if proxy == "" {
		return nil
	}
	p.mu.RLock()
	rt := p.cache[proxy]
	p.mu.RUnlock()
	if rt != nil {
		return rt
	}
	rt = util.TransportForProxy(proxy)
	if rt == nil {
		return nil
	}
	p.mu.Lock()
	p.cache[proxy] = rt
	p.mu.Unlock()
	return rt
}
