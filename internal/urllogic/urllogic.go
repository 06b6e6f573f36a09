// Package urllogic implements C11: the web-protection decision path
// shared between the content-screening daemon's two engine kinds
// (§4.8). Unlike C10, a URL verdict is never persisted — the engine
// is consulted fresh on every call.
package urllogic

import (
	"context"
	"log/slog"

	"csrd/internal/engineload"
	"csrd/internal/enginemgmt"
	"csrd/internal/model"
	"csrd/internal/promptclient"
	"csrd/internal/wire"
)

// Service implements "Check URL" (§4.8).
type Service struct {
	Engine engineload.WebEngine
	Mgmt   *enginemgmt.Manager
	Prompt *promptclient.Client
	Log    *slog.Logger
}

// CheckURL consults the web-risk engine and, unless the context opts
// out, asks the user for medium/high verdicts per §4.8's table:
// UNVERIFIED and LOW pass through untouched, MEDIUM prompts, HIGH
// notifies.
func (s *Service) CheckURL(ctx context.Context, url string, ucontext model.UrlContext) (model.UrlVerdict, error) {
	enabled, err := s.Mgmt.IsEnabled()
	if err != nil {
		return model.UrlVerdict{}, wire.ErrDB
	}
	if !enabled {
		return model.UrlVerdict{}, wire.ErrEngineDisabled
	}

	var verdict model.UrlVerdict
	err = s.withContext(ctx, func(ectx engineload.EngineContext) error {
		risk, detailedURL, checkErr := s.Engine.CheckURL(ectx, url)
		if checkErr != nil {
			return wire.ErrEngineInternal
		}
		verdict = model.UrlVerdict{Risk: risk, DetailedURL: detailedURL, UserResponse: model.ResponseNotAsked}
		return nil
	})
	if err != nil {
		return model.UrlVerdict{}, err
	}

	if verdict.Risk == model.RiskUnverified || verdict.Risk == model.RiskLow {
		return verdict, nil
	}
	if !ucontext.AskUser {
		return verdict, nil
	}

	kind := model.PromptWPAsk
	if verdict.Risk == model.RiskHigh {
		kind = model.PromptWPNotify
	}
	resp, err := s.Prompt.AskURL(kind, ucontext.PopupMessage, verdict)
	if err != nil {
		return verdict, err
	}
	verdict.UserResponse = resp
	return verdict, nil
}

func (s *Service) withContext(ctx context.Context, fn func(ectx engineload.EngineContext) error) error {
	ec, err := engineload.Acquire(ctx, s.Engine)
	if err != nil {
		return wire.ErrEngineNotActivated
	}
	defer ec.Close()
	return fn(ec.Raw())
}
