// Package fingerprint holds the immutable per-Chrome-version tables that
// drive byte-exact impersonation: cipher/extension/group order for the TLS
// ClientHello, HTTP/2 SETTINGS values, and the wire order of request headers.
//
// A Profile is a pure value read by the TLS and protocol session layers at
// connection time; nothing in this package performs I/O.
package fingerprint

// Profile describes one Chrome major version's network fingerprint.
type Profile struct {
	// ChromeVersion is the major version this profile impersonates (e.g. 143).
	ChromeVersion int

	// CipherSuites is the exact TLS cipher suite order Chrome offers.
	// Must never be sorted by the caller.
	CipherSuites []uint16

	// SupportedGroups is the exact supported-groups (curves) order.
	SupportedGroups []uint16

	// SignatureAlgorithms is the exact signature_algorithms extension order.
	SignatureAlgorithms []uint16

	// ExtensionOrder is the dash-separated extension type-ID order, e.g.
	// "11-23-45-18-35-65037-5-0-27-16-13-10-65281-17613-43-51".
	ExtensionOrder string

	// ALPNProtocols is the ALPN protocol list offered in the ClientHello.
	ALPNProtocols []string

	// KeyShareCount is the number of key-share entries generated.
	KeyShareCount int

	// RecordSizeLimit documents Chrome's record_size_limit value for this
	// version. Not emitted as a ClientHello extension: Chrome's capture
	// omits extension 28 from the canonical wire sequence this profile must
	// reproduce, so tlsconn.BuildClientHelloSpec never appends it.
	RecordSizeLimit uint16

	// Features toggles optional fingerprint behaviors.
	Features Features

	// H2Settings are the four HTTP/2 SETTINGS values this profile sends,
	// and which of them are actually present on the wire (the Send* fields).
	H2Settings H2Settings

	// H2ConnWindowIncrement is the connection-level WINDOW_UPDATE increment
	// sent immediately after the SETTINGS frame (Chrome 143: 15,663,105).
	H2ConnWindowIncrement uint32

	// H2StreamInitialWindow is SETTINGS_INITIAL_WINDOW_SIZE (also used as
	// the per-stream flow-control window HTTP/2 grants locally).
	H2StreamInitialWindow uint32

	// PseudoHeaderOrder is always MASP for Chrome; kept as data so a future
	// non-Chrome profile (out of scope today) would only need a new table.
	PseudoHeaderOrder []string

	// QUIC carries the Chrome-QUIC transport parameter profile for HTTP/3.
	QUIC QUICParams
}

// Features toggles optional ClientHello behaviors.
type Features struct {
	GREASE               bool
	ExtensionPermutation bool
	CertCompressionBrotli bool
	ECHGrease            bool
	ALPSNewCodepoint     bool
}

// H2Settings holds the four SETTINGS values Chrome sends and a presence
// bitmap (Chrome 143 omits MAX_CONCURRENT_STREAMS and MAX_FRAME_SIZE).
type H2Settings struct {
	HeaderTableSize   uint32
	EnablePush        uint32
	InitialWindowSize uint32
	MaxHeaderListSize uint32

	SendHeaderTableSize   bool
	SendEnablePush        bool
	SendInitialWindowSize bool
	SendMaxHeaderListSize bool
}

// SettingIDs returns the (id, value) pairs that should be sent, in the fixed
// wire order 0x1 (HEADER_TABLE_SIZE), 0x2 (ENABLE_PUSH), 0x4
// (INITIAL_WINDOW_SIZE), 0x6 (MAX_HEADER_LIST_SIZE).
func (s H2Settings) SettingIDs() []SettingEntry {
	entries := make([]SettingEntry, 0, 4)
	if s.SendHeaderTableSize {
		entries = append(entries, SettingEntry{ID: 0x1, Value: s.HeaderTableSize})
	}
	if s.SendEnablePush {
		entries = append(entries, SettingEntry{ID: 0x2, Value: s.EnablePush})
	}
	if s.SendInitialWindowSize {
		entries = append(entries, SettingEntry{ID: 0x4, Value: s.InitialWindowSize})
	}
	if s.SendMaxHeaderListSize {
		entries = append(entries, SettingEntry{ID: 0x6, Value: s.MaxHeaderListSize})
	}
	return entries
}

// SettingEntry is one HTTP/2 SETTINGS frame entry.
type SettingEntry struct {
	ID    uint16
	Value uint32
}

// QUICParams holds the Chrome-QUIC transport parameter profile used when
// negotiating HTTP/3.
type QUICParams struct {
	IdleTimeoutSeconds   int
	MaxUDPPayloadSize    int
	InitialMaxData       int64
	StreamDataPerStream  int64
	MaxBidiStreams       int64
	MaxUniStreams        int64
	AckDelayExponent     int
	MaxAckDelayMillis    int
	CongestionControl    string // "cubic"
}

// pseudoHeaderMASP is the Chrome pseudo-header order: :method, :authority,
// :scheme, :path.
var pseudoHeaderMASP = []string{":method", ":authority", ":scheme", ":path"}

// registry maps Chrome major version to its Profile.
var registry = map[int]*Profile{}

func register(p *Profile) { registry[p.ChromeVersion] = p }

// ByVersion returns the profile for the given Chrome major version, or
// (Chrome143(), false) if unknown — callers should fall back to the most
// recent profile rather than error, matching `tls.chrome_version`'s intended
// use as a soft preference.
func ByVersion(version int) (*Profile, bool) {
	if p, ok := registry[version]; ok {
		return p, true
	}
	return Chrome143(), false
}

func init() {
	register(chrome143())
	register(chrome131())
	register(chrome130())
	register(chrome125())
	register(chrome120())
}

// Chrome143 returns the canonical, default fingerprint profile: Chrome 143.
func Chrome143() *Profile { return registry[143] }

func chrome143() *Profile {
	return &Profile{
		ChromeVersion: 143,
		CipherSuites: []uint16{
			0x1301, // TLS_AES_128_GCM_SHA256
			0x1302, // TLS_AES_256_GCM_SHA384
			0x1303, // TLS_CHACHA20_POLY1305_SHA256
			0xc02b, // TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
			0xc02f, // TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256
			0xc02c, // TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
			0xc030, // TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
			0xcca9, // TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256
			0xcca8, // TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256
			0xc013, // TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA
			0xc014, // TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA
			0x009c, // TLS_RSA_WITH_AES_128_GCM_SHA256
			0x009d, // TLS_RSA_WITH_AES_256_GCM_SHA384
			0x002f, // TLS_RSA_WITH_AES_128_CBC_SHA
			0x0035, // TLS_RSA_WITH_AES_256_CBC_SHA
		},
		// X25519MLKEM768, X25519, P-256, P-384
		SupportedGroups: []uint16{0x11ec, 0x001d, 0x0017, 0x0018},
		SignatureAlgorithms: []uint16{
			0x0403, 0x0804, 0x0401, 0x0503, 0x0805, 0x0501,
			0x0806, 0x0601, 0x0201,
		},
		ExtensionOrder: "11-23-45-18-35-65037-5-0-27-16-13-10-65281-17613-43-51",
		ALPNProtocols:  []string{"h2", "http/1.1"},
		KeyShareCount:  2,
		RecordSizeLimit: 0x4001,
		Features: Features{
			GREASE:                true,
			ExtensionPermutation:  false,
			CertCompressionBrotli: true,
			ECHGrease:             true,
			ALPSNewCodepoint:      true,
		},
		H2Settings: H2Settings{
			HeaderTableSize:       65536,
			EnablePush:            0,
			InitialWindowSize:     6291456,
			MaxHeaderListSize:     262144,
			SendHeaderTableSize:   true,
			SendEnablePush:        true,
			SendInitialWindowSize: true,
			SendMaxHeaderListSize: true,
		},
		H2ConnWindowIncrement: 15663105,
		H2StreamInitialWindow: 6291456,
		PseudoHeaderOrder:     pseudoHeaderMASP,
		QUIC: QUICParams{
			IdleTimeoutSeconds:  30,
			MaxUDPPayloadSize:   1350,
			InitialMaxData:      15 * 1024 * 1024,
			StreamDataPerStream: 6 * 1024 * 1024,
			MaxBidiStreams:      100,
			MaxUniStreams:       100,
			AckDelayExponent:    3,
			MaxAckDelayMillis:   25,
			CongestionControl:  "cubic",
		},
	}
}

// chrome131, chrome130, chrome125, chrome120 are earlier profiles selectable
// via `tls.chrome_version`. They share Chrome 143's TLS 1.3 cipher/group
// preferences (those are effectively frozen across recent Chrome releases)
// and its HTTP/2 SETTINGS and QUIC parameters unchanged; they differ in
// extension order and, from 131 down, use the older ALPS codepoint.
func chrome131() *Profile {
	p := *chrome143()
	p.ChromeVersion = 131
	p.ExtensionOrder = "11-23-45-18-35-5-0-27-16-13-10-65281-43-51"
	p.Features.ALPSNewCodepoint = false
	return &p
}

func chrome130() *Profile {
	p := chrome131()
	p.ChromeVersion = 130
	return p
}

func chrome125() *Profile {
	p := chrome131()
	p.ChromeVersion = 125
	p.ExtensionOrder = "11-23-45-18-35-5-0-27-16-13-10-65281-43-51-17513"
	return p
}

func chrome120() *Profile {
	p := chrome125()
	p.ChromeVersion = 120
	return p
}

