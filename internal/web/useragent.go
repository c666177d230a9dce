package web

import (
	"math/rand/v2"
	"sync/atomic"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:130.0) Gecko/20100101 Firefox/130.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Mobile Safari/537.36",
	// link unfurlers identify themselves; some sites only serve og tags to them
	"Mozilla/5.0 (compatible; tiercache-preview/1.0; +https://github.com/leonardcser/tiercache)",
}

// agentPool hands out user agents round robin, with an occasional random
// pick so consecutive previews of one host do not look scripted.
type agentPool struct {
	agents []string
	next   atomic.Uint64
}

func newAgentPool(agents []string) *agentPool {
	if len(agents) == 0 {
		agents = userAgents
	}
	return &agentPool{agents: agents}
}

func (p *agentPool) pick() string {
	if rand.Float64() < 0.2 {
		return p.agents[rand.IntN(len(p.agents))]
	}
	idx := p.next.Add(1)
	return p.agents[int(idx%uint64(len(p.agents)))]
}
