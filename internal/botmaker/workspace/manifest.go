package workspace

import (
	"path"
	"strings"

	"github.com/openclaw/botmaker/common/providers"
	"github.com/openclaw/botmaker/internal/botmaker/runtime"
)

// ManifestFile is the worker configuration file name inside the bot
// directory.
const ManifestFile = "openclaw.json"

// Manifest is the worker's wiring as written to openclaw.json. The
// control plane owns this file and overwrites it on every render;
// persona files are the bot's own and are only seeded.
type Manifest struct {
	Name     string        `json:"name"`
	Emoji    string        `json:"emoji,omitempty"`
	Model    string        `json:"model"`
	Models   *ModelsBlock  `json:"models,omitempty"`
	Gateway  GatewayBlock  `json:"gateway"`
	Channels ChannelsBlock `json:"channels,omitempty"`
	Features FeaturesBlock `json:"features"`
}

// ModelsBlock carries per-provider overrides. Only emitted when the bot
// routes through a keyring proxy.
type ModelsBlock struct {
	Providers map[string]ProviderBlock `json:"providers"`
}

// ProviderBlock points one provider name at a base URL with its API
// family and bearer.
type ProviderBlock struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	API     string `json:"api"`
}

// GatewayBlock tells the worker where to listen and which token its
// local gateway requires.
type GatewayBlock struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// ChannelsBlock maps channel type to its wiring.
type ChannelsBlock map[string]ChannelBlock

// ChannelBlock points the worker at the file its channel token is
// mounted under.
type ChannelBlock struct {
	TokenFile string `json:"tokenFile"`
}

// FeaturesBlock carries the operator-selected worker features.
type FeaturesBlock struct {
	Commands       bool   `json:"commands"`
	TTS            bool   `json:"tts"`
	TTSVoice       string `json:"ttsVoice,omitempty"`
	Sandbox        bool   `json:"sandbox"`
	SandboxTimeout int    `json:"sandboxTimeoutSeconds,omitempty"`
	SessionScope   string `json:"sessionScope"`
}

// BuildManifest assembles the manifest for one bot.
//
// Without a proxy the model reference is <provider>/<model> and the
// worker calls the vendor directly with whatever credentials it finds.
// With a proxy the reference becomes <provider>-proxy/<model> and a
// matching models.providers entry points at the proxy with the bot's
// bearer. The -proxy suffix keeps the entry from merging with any
// built-in provider default that carries a hardcoded base URL.
func BuildManifest(p RenderParams) *Manifest {
	proxied := p.ProxyURL != ""

	m := &Manifest{
		Name:  p.Name,
		Emoji: p.Emoji,
		Model: modelRef(p.Primary, proxied),
		Gateway: GatewayBlock{
			Port:  p.GatewayPort,
			Token: p.GatewayToken,
		},
		Features: FeaturesBlock{
			Commands:       p.Features.Commands,
			TTS:            p.Features.TTS,
			TTSVoice:       p.Features.TTSVoice,
			Sandbox:        p.Features.Sandbox,
			SandboxTimeout: p.Features.SandboxTimeout,
			SessionScope:   p.Features.SessionScope,
		},
	}

	if len(p.Channels) > 0 {
		m.Channels = make(ChannelsBlock, len(p.Channels))
		for _, ch := range p.Channels {
			m.Channels[ch.ChannelType] = ChannelBlock{
				TokenFile: path.Join(runtime.SecretsMountPath, ch.SecretName),
			}
		}
	}

	if proxied {
		provs := make(map[string]ProviderBlock, len(p.Providers))
		base := strings.TrimRight(p.ProxyURL, "/")
		for _, ref := range p.Providers {
			provs[ref.ProviderID+"-proxy"] = ProviderBlock{
				BaseURL: base + "/" + ref.ProviderID,
				APIKey:  p.ProxyBearer,
				API:     providers.APIFamily(ref.ProviderID),
			}
		}
		m.Models = &ModelsBlock{Providers: provs}
	}

	return m
}

func modelRef(primary ProviderRef, proxied bool) string {
	if proxied {
		return primary.ProviderID + "-proxy/" + primary.Model
	}
	return primary.ProviderID + "/" + primary.Model
}
