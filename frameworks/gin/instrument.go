// Package gin integrates gin servers with the agent: the default rule hooks the
// engine's request dispatch and Middleware drives that hook for every request.
package gin

import (
	"embed"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
)

const (
	BasePackage = "github.com/gin-gonic/gin"
	// HandlerMethodID is the hooked method, the engine's per-request dispatch.
	HandlerMethodID = BasePackage + ".(*Engine).handleHTTPRequest"
)

//go:embed gin.yaml
var assets embed.FS

type Instrument struct{}

func (Instrument) BasePackage() string {
	return BasePackage
}

func (Instrument) FS() *embed.FS {
	return &assets
}

func (Instrument) Descriptors() []*core.MethodDescriptor {
	engine := &core.TypeDescriptor{
		Package: BasePackage,
		Name:    "Engine",
		Embeds:  []string{"RouterGroup"},
		Interfaces: []string{
			"http.Handler",
		},
	}
	return []*core.MethodDescriptor{{
		Package:         BasePackage,
		Receiver:        engine,
		PointerReceiver: true,
		Name:            "handleHTTPRequest",
		Params:          []string{"*Context"},
	}}
}

// DefaultSettings returns the settings shipped with the integration, to be merged
// under the user's settings.
func DefaultSettings() (*config.Settings, error) {
	return config.LoadFS(assets, "*.yaml")
}
