// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// ethernetHeaderLen is dst(6) + src(6) + type(2); frames carry the whole
// fragment after it, so the capture snap length must cover both.
const ethernetHeaderLen = 14

// Config is the top-level configuration.
// Maps to the `lanchat:` root key in YAML.
type Config struct {
	Node          NodeConfig       `mapstructure:"node" yaml:"node"`
	Link          LinkConfig       `mapstructure:"link" yaml:"link"`
	Resolution    ResolutionConfig `mapstructure:"resolution" yaml:"resolution"`
	Fragment      FragmentConfig   `mapstructure:"fragment" yaml:"fragment"`
	SweepInterval time.Duration    `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	Transport     TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Files         FilesConfig      `mapstructure:"files" yaml:"files"`
	Metrics       MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log           LogConfig        `mapstructure:"log" yaml:"log"`
}

// ─── Node Identity ───

// NodeConfig identifies this station on the segment.
type NodeConfig struct {
	Interface       string        `mapstructure:"interface" yaml:"interface"`
	IP              core.NetAddr  `mapstructure:"ip" yaml:"ip"`             // Empty = first IPv4 of interface
	MAC             core.LinkAddr `mapstructure:"mac" yaml:"mac"`           // Empty = hardware address of interface
	Nickname        string        `mapstructure:"nickname" yaml:"nickname"` // Empty = prompt
	PeerIP          core.NetAddr  `mapstructure:"peer_ip" yaml:"peer_ip"`   // Empty = broadcast
	PeerMAC         core.LinkAddr `mapstructure:"peer_mac" yaml:"peer_mac"` // Empty = broadcast
	AnnounceOnStart bool          `mapstructure:"announce_on_start" yaml:"announce_on_start"`
}

// ─── Link / Resolution / Fragmentation ───

// LinkConfig configures framing.
type LinkConfig struct {
	EtherType int `mapstructure:"ether_type" yaml:"ether_type"` // Application type tag
}

// ResolutionConfig configures address resolution.
type ResolutionConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	Proxies       []ProxyConfig `mapstructure:"proxies" yaml:"proxies"`
}

// ProxyConfig is one address answered on behalf of another host.
type ProxyConfig struct {
	IP  core.NetAddr  `mapstructure:"ip" yaml:"ip"`
	MAC core.LinkAddr `mapstructure:"mac" yaml:"mac"`
}

// FragmentConfig configures fragmentation and reassembly.
type FragmentConfig struct {
	MTU               int           `mapstructure:"mtu" yaml:"mtu"`
	PacingInterval    time.Duration `mapstructure:"pacing_interval" yaml:"pacing_interval"`
	ReassemblyTimeout time.Duration `mapstructure:"reassembly_timeout" yaml:"reassembly_timeout"`
	MaxGroups         int           `mapstructure:"max_groups" yaml:"max_groups"`
	MaxPayload        int           `mapstructure:"max_payload" yaml:"max_payload"`
	MaxFragsPerIP     int           `mapstructure:"max_frags_per_ip" yaml:"max_frags_per_ip"` // 0 = unlimited
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
}

// ─── Transport ───

// TransportConfig selects and tunes the frame medium.
type TransportConfig struct {
	Kind         string `mapstructure:"kind" yaml:"kind"` // afpacket | websocket
	SnapLen      int    `mapstructure:"snap_len" yaml:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	TimeoutMs    int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	BPFFilter    string `mapstructure:"bpf_filter" yaml:"bpf_filter"` // Empty = built-in type-tag filter
	WSURL        string `mapstructure:"ws_url" yaml:"ws_url"`
	RecordPcap   string `mapstructure:"record_pcap" yaml:"record_pcap"` // Empty = no recording
}

// FilesConfig configures the file-transfer consumer.
type FilesConfig struct {
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text / console
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations.
type LogOutputsConfig struct {
	Console ConsoleOutputConfig `mapstructure:"console" yaml:"console"`
	File    FileOutputConfig    `mapstructure:"file" yaml:"file"`
}

// ConsoleOutputConfig configures terminal log output. Logs go to stderr so
// chat output on stdout stays readable.
type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `lanchat: ...`.
type configRoot struct {
	Lanchat Config `mapstructure:"lanchat"`
}

// Load loads configuration from file. An empty path uses defaults and
// environment only. Env vars use the LANCHAT_ prefix (e.g. LANCHAT_NODE_IP).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `lanchat.` key prefix maps to `LANCHAT_` through the replacer
	// (key "lanchat.log.level" → env "LANCHAT_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&root, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Lanchat

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values. All keys use the "lanchat." prefix to
// match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("lanchat.node.interface", "")
	v.SetDefault("lanchat.node.ip", "")
	v.SetDefault("lanchat.node.mac", "")
	v.SetDefault("lanchat.node.nickname", "")
	v.SetDefault("lanchat.node.peer_ip", "")
	v.SetDefault("lanchat.node.peer_mac", "")
	v.SetDefault("lanchat.node.announce_on_start", true)

	// Link defaults
	v.SetDefault("lanchat.link.ether_type", 0xFFFF)

	// Resolution defaults
	v.SetDefault("lanchat.resolution.retry_interval", "1s")
	v.SetDefault("lanchat.resolution.max_retries", 2)

	// Fragment defaults
	v.SetDefault("lanchat.fragment.mtu", 1500)
	v.SetDefault("lanchat.fragment.pacing_interval", "1ms")
	v.SetDefault("lanchat.fragment.reassembly_timeout", "30s")
	v.SetDefault("lanchat.fragment.max_groups", 256)
	v.SetDefault("lanchat.fragment.max_payload", 64<<20)
	v.SetDefault("lanchat.fragment.max_frags_per_ip", 0)
	v.SetDefault("lanchat.fragment.rate_limit_window", "10s")
	v.SetDefault("lanchat.sweep_interval", "500ms")

	// Transport defaults
	v.SetDefault("lanchat.transport.kind", "afpacket")
	v.SetDefault("lanchat.transport.snap_len", 2048)
	v.SetDefault("lanchat.transport.buffer_size_mb", 8)
	v.SetDefault("lanchat.transport.timeout_ms", 100)
	v.SetDefault("lanchat.transport.bpf_filter", "")
	v.SetDefault("lanchat.transport.ws_url", "")
	v.SetDefault("lanchat.transport.record_pcap", "")

	// Files defaults
	v.SetDefault("lanchat.files.download_dir", "files")

	// Metrics defaults
	v.SetDefault("lanchat.metrics.enabled", false)
	v.SetDefault("lanchat.metrics.listen", "127.0.0.1:9091")
	v.SetDefault("lanchat.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("lanchat.log.level", "info")
	v.SetDefault("lanchat.log.format", "console")
	v.SetDefault("lanchat.log.outputs.console.enabled", true)
	v.SetDefault("lanchat.log.outputs.file.enabled", false)
	v.SetDefault("lanchat.log.outputs.file.path", "lanchat.log")
	v.SetDefault("lanchat.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("lanchat.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("lanchat.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("lanchat.log.outputs.file.rotation.compress", true)
}

// Default returns the configuration produced by defaults alone, without
// validation or interface auto-detection.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		slog.Error("failed to decode default config", "error", err)
	}
	return root.Lanchat
}

// ValidateAndApplyDefaults validates configuration and fills in addresses
// taken from the capture interface.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	switch cfg.Log.Format {
	case "json", "text", "console":
	default:
		return fmt.Errorf("invalid log format: %s (must be json/text/console): %w", cfg.Log.Format, core.ErrConfigInvalid)
	}

	// ── Link validation ──
	et := cfg.Link.EtherType
	if et < 0x0600 || et > 0xFFFF || et == 0x0806 {
		return fmt.Errorf("link.ether_type %#04x must be in [0x0600, 0xFFFF] and not 0x0806: %w", et, core.ErrConfigInvalid)
	}

	// ── Fragment validation ──
	if cfg.Fragment.MTU < 21 || cfg.Fragment.MTU > 9000 {
		return fmt.Errorf("fragment.mtu %d must be in [21, 9000]: %w", cfg.Fragment.MTU, core.ErrConfigInvalid)
	}
	if cfg.Fragment.PacingInterval < 0 || cfg.Fragment.ReassemblyTimeout <= 0 {
		return fmt.Errorf("fragment durations must be positive: %w", core.ErrConfigInvalid)
	}
	if cfg.Resolution.MaxRetries < 0 {
		return fmt.Errorf("resolution.max_retries must not be negative: %w", core.ErrConfigInvalid)
	}
	for i, p := range cfg.Resolution.Proxies {
		if p.IP.IsZero() || p.MAC.IsZero() {
			return fmt.Errorf("resolution.proxies[%d]: ip and mac are required: %w", i, core.ErrConfigInvalid)
		}
	}

	// ── Transport validation ──
	switch cfg.Transport.Kind {
	case "afpacket":
		if cfg.Node.Interface == "" {
			return fmt.Errorf("node.interface is required for the afpacket transport: %w", core.ErrConfigInvalid)
		}
		if cfg.Transport.SnapLen > 0 && cfg.Fragment.MTU+ethernetHeaderLen > cfg.Transport.SnapLen {
			return fmt.Errorf("fragment.mtu %d plus the %d-byte ethernet header exceeds transport.snap_len %d: %w",
				cfg.Fragment.MTU, ethernetHeaderLen, cfg.Transport.SnapLen, core.ErrConfigInvalid)
		}
	case "websocket":
		if cfg.Transport.WSURL == "" {
			return fmt.Errorf("transport.ws_url is required for the websocket transport: %w", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("unsupported transport.kind: %s (must be afpacket/websocket): %w", cfg.Transport.Kind, core.ErrConfigInvalid)
	}

	// ── Node address resolution ──
	if err := resolveNodeAddrs(&cfg.Node); err != nil {
		return err
	}
	if cfg.Node.PeerIP.IsZero() {
		cfg.Node.PeerIP = core.BroadcastNetAddr
	}
	if cfg.Node.PeerMAC.IsZero() {
		cfg.Node.PeerMAC = core.BroadcastLinkAddr
	}
	return nil
}

// resolveNodeAddrs fills IP and MAC from the configured interface.
// Priority: env/config explicit value → interface → error.
func resolveNodeAddrs(node *NodeConfig) error {
	if !node.IP.IsZero() && !node.MAC.IsZero() {
		return nil
	}
	if node.Interface == "" {
		return fmt.Errorf("node.ip and node.mac are required without node.interface: %w", core.ErrConfigInvalid)
	}

	iface, err := net.InterfaceByName(node.Interface)
	if err != nil {
		return fmt.Errorf("cannot resolve node addresses: %w", err)
	}
	if node.MAC.IsZero() {
		mac, ok := core.LinkAddrFrom(iface.HardwareAddr)
		if !ok {
			return fmt.Errorf("interface %s has no Ethernet address, set LANCHAT_NODE_MAC: %w", iface.Name, core.ErrConfigInvalid)
		}
		node.MAC = mac
	}
	if node.IP.IsZero() {
		addrs, err := iface.Addrs()
		if err != nil {
			return fmt.Errorf("cannot resolve node IP: %w", err)
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip, ok := core.NetAddrFrom(ipNet.IP.To4()); ok {
				node.IP = ip
				break
			}
		}
		if node.IP.IsZero() {
			return fmt.Errorf("interface %s has no IPv4 address, set LANCHAT_NODE_IP: %w", iface.Name, core.ErrConfigInvalid)
		}
	}
	return nil
}
