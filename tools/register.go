package tools

import (
	"go.uber.org/zap"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/captcha"
)

// NewDefaultRegistry builds the registry of every Tool from spec §4.3 bound
// to one browser session and CAPTCHA handler. The Decision Loop and Replay
// Engine both dispatch through the same registry, keeping tool contracts
// identical across live and replay mode.
func NewDefaultRegistry(session *browser.Session, captchaHandler *captcha.Handler, logger *zap.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewURLTool(session, logger))
	r.Register(NewSearchTool(session, logger))
	r.Register(NewClickTool(session, logger))
	r.Register(NewTypingTool(session, false, logger))
	r.Register(NewTypingTool(session, true, logger))
	r.Register(NewScrollTool(session, logger))
	r.Register(NewBackTool(session, logger))
	r.Register(NewCaptchaTool(captchaHandler, session, logger))
	return r
}
