package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// peerProxy forwards requests server-side to the node that owns a site's
// tunnel. One reverse proxy is kept per peer address; the shared transport
// pools connections between nodes.
type peerProxy struct {
	mu        sync.Mutex
	proxies   map[string]*httputil.ReverseProxy
	transport *http.Transport
	log       *zerolog.Logger
}

func newPeerProxy(log *zerolog.Logger) *peerProxy {
	return &peerProxy{
		proxies: make(map[string]*httputil.ReverseProxy),
		transport: &http.Transport{
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 0, // responses may stream for minutes
		},
		log: log,
	}
}

func (p *peerProxy) forward(w http.ResponseWriter, r *http.Request, nodeAddress string) {
	proxy, err := p.get(nodeAddress)
	if err != nil {
		p.log.Error().Err(err).Str("nodeAddress", nodeAddress).Msg("Invalid peer address in lock record")
		writeErrorJSON(w, http.StatusServiceUnavailable, "site offline")
		return
	}
	r.Header.Set(forwardedMarker, "1")
	peerForwards.Inc()
	proxy.ServeHTTP(w, r)
}

func (p *peerProxy) get(nodeAddress string) (*httputil.ReverseProxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proxy, ok := p.proxies[nodeAddress]; ok {
		return proxy, nil
	}

	target, err := url.Parse(nodeAddress)
	if err != nil {
		return nil, err
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.Host = pr.In.Host
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn().Err(err).Str("nodeAddress", nodeAddress).Msg("Peer forward failed")
			// The peer address stays internal; the client only learns the
			// site is unreachable.
			writeErrorJSON(w, http.StatusServiceUnavailable, "site offline")
		},
	}
	p.proxies[nodeAddress] = proxy
	return proxy, nil
}
