// Package providers holds the static provider and channel catalogue shared
// by the botmaker control plane and the keyring.
//
// The catalogue is the single authoritative list: the control plane
// validates providerId/channelType membership against it and derives
// manifest api families from it, while the keyring builds its data-plane
// vendor table from the same rows. It is embedded at build time and
// read-only at runtime.
package providers

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// API family identifiers used in worker manifests. Every vendor maps to one
// of these; vendors without a native family fall back to APIOpenAICompletions.
const (
	APIOpenAIResponses   = "openai-responses"
	APIAnthropicMessages = "anthropic-messages"
	APIGoogleGemini      = "google-gemini"
	APIOpenAICompletions = "openai-completions"
)

// Vendor is one upstream LLM provider as both processes see it.
type Vendor struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	// Scheme is http or https; empty means https.
	Scheme string `yaml:"scheme"`
	// Host is the upstream host, optionally with a port.
	Host     string `yaml:"host"`
	BasePath string `yaml:"base_path"`
	// AuthHeader names the request header carrying the credential.
	AuthHeader string `yaml:"auth_header"`
	// AuthScheme is bearer, raw, or none.
	AuthScheme string `yaml:"auth_scheme"`
	// API is the api family for worker manifests.
	API string `yaml:"api"`
	// ForceNonStreaming marks vendors whose daemons mishandle SSE; the
	// proxy strips stream:true and synthesizes SSE framing itself.
	ForceNonStreaming bool `yaml:"force_non_streaming"`
	// NoAuth marks vendors that take no credential at all.
	NoAuth bool `yaml:"no_auth"`
}

// AuthValue renders the header value for the vendor's auth scheme. Empty for
// no-auth vendors.
func (v Vendor) AuthValue(secret string) string {
	switch v.AuthScheme {
	case "bearer":
		return "Bearer " + secret
	case "raw":
		return secret
	default:
		return ""
	}
}

// BaseURL returns scheme://host/basePath with no trailing slash.
func (v Vendor) BaseURL() string {
	scheme := v.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + v.Host + strings.TrimSuffix(v.BasePath, "/")
}

// Channel is one chat platform a bot can be wired to.
type Channel struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	// SecretName is the file name the channel token is written under in the
	// bot's secrets directory (uppercase, underscore-separated).
	SecretName string `yaml:"secret"`
}

type catalogue struct {
	Vendors  []Vendor  `yaml:"vendors"`
	Channels []Channel `yaml:"channels"`
}

//go:embed providers.yaml
var rawCatalogue []byte

var (
	cat        catalogue
	vendorByID map[string]Vendor
	chanByID   map[string]Channel
)

func init() {
	if err := yaml.Unmarshal(rawCatalogue, &cat); err != nil {
		panic(fmt.Sprintf("providers: embedded catalogue does not parse: %v", err))
	}

	vendorByID = make(map[string]Vendor, len(cat.Vendors))
	for _, v := range cat.Vendors {
		if v.ID == "" || v.Host == "" {
			panic(fmt.Sprintf("providers: vendor entry missing id or host: %+v", v))
		}
		if _, dup := vendorByID[v.ID]; dup {
			panic("providers: duplicate vendor id " + v.ID)
		}
		switch v.API {
		case APIOpenAIResponses, APIAnthropicMessages, APIGoogleGemini, APIOpenAICompletions:
		default:
			panic("providers: vendor " + v.ID + " has unknown api family " + v.API)
		}
		vendorByID[v.ID] = v
	}

	chanByID = make(map[string]Channel, len(cat.Channels))
	for _, c := range cat.Channels {
		if c.ID == "" || c.SecretName == "" {
			panic(fmt.Sprintf("providers: channel entry missing id or secret: %+v", c))
		}
		if _, dup := chanByID[c.ID]; dup {
			panic("providers: duplicate channel id " + c.ID)
		}
		chanByID[c.ID] = c
	}
}

// Vendors returns all vendors sorted by id.
func Vendors() []Vendor {
	out := make([]Vendor, len(cat.Vendors))
	copy(out, cat.Vendors)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VendorByID looks a vendor up by its id.
func VendorByID(id string) (Vendor, bool) {
	v, ok := vendorByID[id]
	return v, ok
}

// KnownVendor reports whether id names a catalogued vendor.
func KnownVendor(id string) bool {
	_, ok := vendorByID[id]
	return ok
}

// Channels returns all channels sorted by id.
func Channels() []Channel {
	out := make([]Channel, len(cat.Channels))
	copy(out, cat.Channels)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChannelByID looks a channel up by its id.
func ChannelByID(id string) (Channel, bool) {
	c, ok := chanByID[id]
	return c, ok
}

// KnownChannel reports whether id names a catalogued channel.
func KnownChannel(id string) bool {
	_, ok := chanByID[id]
	return ok
}

// APIFamily returns the manifest api family for a vendor, falling back to
// the OpenAI-completions catch-all for anything uncatalogued.
func APIFamily(vendorID string) string {
	if v, ok := vendorByID[vendorID]; ok {
		return v.API
	}
	return APIOpenAICompletions
}
