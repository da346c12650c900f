package engine

import (
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
)

// exchangeFlow trades a one-time subject token for tokens per RFC 8693.
type exchangeFlow struct {
	cfg    *config.FlowConfig
	tokens tokenIssuer
}

func newExchangeFlow(cfg *config.FlowConfig, clk *clock) *exchangeFlow {
	return &exchangeFlow{cfg: cfg, tokens: tokenIssuer{cfg: cfg, clock: clk}}
}

func (f *exchangeFlow) initial() Step {
	return NeedTokenExchange{Request: tokenExchangeRequest(f.cfg)}
}

func (f *exchangeFlow) respond(current Step, resp httpmsg.Response) Step {
	if _, ok := current.(NeedTokenExchange); ok {
		return f.tokens.respond(resp)
	}
	return unexpectedResponse(current)
}

func (f *exchangeFlow) tick(current Step) Step {
	return current
}
