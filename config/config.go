// Package config provides the mixnet client core's configuration types
// and TOML load/save, generalizing the teacher's config/config.go (which
// loaded per-account e-mail/Provider pairs with pelletier/go-toml) into
// the richer tree the client core needs: gateway endpoint, debug tunables
// for every timing parameter spec.md leaves as an open question, and the
// topology-provider selection.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"mixclientcore/constants"
)

// TopologyStructure selects which TopologyProvider implementation the
// topology refresher constructs, absent an explicitly injected provider.
type TopologyStructure struct {
	// Variant is one of "directory" or "geo-aware".
	Variant string `toml:"variant"`

	// GeoGroup is the geographic group name, only meaningful when
	// Variant == "geo-aware".
	GeoGroup string `toml:"geo_group,omitempty"`
}

// IsGeoAware reports whether this structure selects the geo-aware
// provider variant.
func (t TopologyStructure) IsGeoAware() bool {
	return t.Variant == "geo-aware"
}

// GatewayEndpointConfig identifies the entry gateway this client session
// authenticates against.
type GatewayEndpointConfig struct {
	GatewayID       string `toml:"gateway_id"`
	GatewayListener string `toml:"gateway_listener_url"`
	GatewayOwner    string `toml:"gateway_owner"`
}

// TopologyConfig bounds the topology accessor/refresher (spec §4.2).
type TopologyConfig struct {
	Structure         TopologyStructure `toml:"structure"`
	RefreshRate       time.Duration     `toml:"refresh_rate"`
	DisableRefreshing bool              `toml:"disable_refreshing"`
	DirectoryURLs     []string          `toml:"directory_urls"`
}

// CoverTrafficConfig bounds the loop cover traffic stream (spec §4.4).
type CoverTrafficConfig struct {
	AverageCoverDelay       time.Duration `toml:"average_cover_delay"`
	DisableLoopCoverTraffic bool          `toml:"disable_loop_cover_traffic_stream"`
}

// AcknowledgementsConfig bounds ack-delay sampling (spec §4.3).
type AcknowledgementsConfig struct {
	AverageAckDelay time.Duration `toml:"average_ack_delay"`
}

// TrafficConfig bounds real-traffic packet emission pacing.
type TrafficConfig struct {
	AveragePacketDelay time.Duration `toml:"average_packet_delay"`
	NumberOfHops       int           `toml:"number_of_hops"`
}

// RetransmissionConfig bounds the real traffic controller's retransmitter
// (spec §8 P3, and spec's "Open Questions" on backoff parameters).
type RetransmissionConfig struct {
	BaseDelay          time.Duration `toml:"base_delay"`
	MaxDelay           time.Duration `toml:"max_delay"`
	JitterFraction     float64       `toml:"jitter_fraction"`
	MaxRetransmissions int           `toml:"max_retransmissions"`
}

// GatewayConnectionConfig bounds the gateway session's transport.
type GatewayConnectionConfig struct {
	GatewayResponseTimeout time.Duration `toml:"gateway_response_timeout"`
}

// ReplyConfig bounds the reply/SURB controller (spec §4.7).
type ReplyConfig struct {
	ReplyKeyTTL          time.Duration `toml:"reply_key_ttl"`
	GarbageCollectPeriod time.Duration `toml:"garbage_collect_period"`
}

// DebugConfig gathers every tunable the distilled spec leaves as an open
// question, each with a documented default so none are hard-coded.
type DebugConfig struct {
	Topology          TopologyConfig          `toml:"topology"`
	CoverTraffic      CoverTrafficConfig      `toml:"cover_traffic"`
	Acknowledgements  AcknowledgementsConfig  `toml:"acknowledgements"`
	Traffic           TrafficConfig           `toml:"traffic"`
	Retransmission    RetransmissionConfig    `toml:"retransmission"`
	GatewayConnection GatewayConnectionConfig `toml:"gateway_connection"`
	Reply             ReplyConfig             `toml:"reply"`
}

// CredentialsToggle selects whether the gateway session spends bandwidth
// credentials during authenticate (spec §4.1 "Credentials toggle"),
// modeled as an explicit two-state type rather than a bare bool per the
// original Rust source's own CredentialsToggle enum.
type CredentialsToggle string

const (
	CredentialsEnabled  CredentialsToggle = "enabled"
	CredentialsDisabled CredentialsToggle = "disabled"
)

// Enabled reports whether the credentials exchange should run.
func (c CredentialsToggle) Enabled() bool {
	return c == CredentialsEnabled
}

// ClientConfig is account-scoped client behavior.
type ClientConfig struct {
	Credentials CredentialsToggle `toml:"credentials"`
	NymAPIURLs  []string          `toml:"nym_api_urls"`
}

// Config is the top-level on-disk configuration for a client core
// instance.
type Config struct {
	DataDir string                `toml:"data_dir"`
	Client  ClientConfig          `toml:"client"`
	Gateway GatewayEndpointConfig `toml:"gateway"`
	Debug   DebugConfig           `toml:"debug"`
}

// Default returns a Config with every timing/size default from the
// constants package filled in, matching the teacher convention of
// sensible zero-config defaults (see constants/constants.go).
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Credentials: CredentialsDisabled,
		},
		Debug: DebugConfig{
			Topology: TopologyConfig{
				Structure:   TopologyStructure{Variant: "directory"},
				RefreshRate: constants.DefaultTopologyRefreshRate,
			},
			CoverTraffic: CoverTrafficConfig{
				AverageCoverDelay: constants.DefaultAverageCoverDelay,
			},
			Acknowledgements: AcknowledgementsConfig{
				AverageAckDelay: constants.DefaultAverageAckDelay,
			},
			Traffic: TrafficConfig{
				AveragePacketDelay: constants.DefaultAveragePacketDelay,
				NumberOfHops:       constants.DefaultNumberOfHops,
			},
			Retransmission: RetransmissionConfig{
				BaseDelay:          constants.DefaultRetransmitBaseDelay,
				MaxDelay:           constants.DefaultRetransmitMaxDelay,
				JitterFraction:     constants.DefaultRetransmitJitter,
				MaxRetransmissions: constants.DefaultMaxRetransmissions,
			},
			GatewayConnection: GatewayConnectionConfig{
				GatewayResponseTimeout: constants.DefaultGatewayResponseTimeout,
			},
			Reply: ReplyConfig{
				ReplyKeyTTL:          constants.DefaultReplyKeyTTL,
				GarbageCollectPeriod: constants.DefaultReplyKeyTTL / 2,
			},
		},
	}
}

// FromFile loads a Config from a TOML file, applying defaults for any
// zero-valued timing field that the file left unset.
func FromFile(fileName string) (*Config, error) {
	fileData, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", fileName, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(fileData, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", fileName, err)
	}
	return cfg, nil
}

// Save writes the Config back out as TOML, used by CLI tooling to emit a
// starter config.
func (c *Config) Save(fileName string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	return os.WriteFile(fileName, data, 0600)
}
