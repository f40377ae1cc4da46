package tlsconn

import (
	utls "github.com/refraction-networking/utls"

	"github.com/holytls/holytls/fingerprint"
)

// BuildClientHelloSpec constructs a utls.ClientHelloSpec field by field from
// profile, the way buildClientHelloSpecFromProfile does for a hand-rolled
// Profile type, generalized here to draw every field — cipher order,
// supported groups, extension order, ALPN, record_size_limit, ALPS
// codepoint, cert-compression — from fingerprint.Profile instead of from a
// canned utls.UTLSIdToSpec(helloID) lookup. This is what lets HolyTLS track
// a Chrome version the utls parrot table has never shipped a HelloID for.
func BuildClientHelloSpec(profile *fingerprint.Profile) *utls.ClientHelloSpec {
	exts := buildExtensionsInProfileOrder(profile)

	return &utls.ClientHelloSpec{
		CipherSuites:       profile.CipherSuites,
		CompressionMethods: []uint8{0},
		Extensions:         exts,
		TLSVersMin:         utls.VersionTLS12,
		TLSVersMax:         utls.VersionTLS13,
	}
}

// extensionByID maps the TLS extension type ID (as it appears in
// Profile.ExtensionOrder) to the utls.TLSExtension constructor that builds
// it from the profile. GREASE placeholders (type 0x0a0a-shaped values) are
// handled separately since they don't carry a fixed extension ID.
func extensionByID(id int, profile *fingerprint.Profile) utls.TLSExtension {
	switch id {
	case 0: // server_name
		return &utls.SNIExtension{}
	case 5: // status_request
		return &utls.StatusRequestExtension{}
	case 10: // supported_groups
		return &utls.SupportedCurvesExtension{Curves: toCurveIDs(profile.SupportedGroups)}
	case 11: // ec_point_formats
		return &utls.SupportedPointsExtension{SupportedPoints: []uint8{0}}
	case 13: // signature_algorithms
		return &utls.SignatureAlgorithmsExtension{
			SupportedSignatureAlgorithms: toSigSchemes(profile.SignatureAlgorithms),
		}
	case 16: // application_layer_protocol_negotiation
		return &utls.ALPNExtension{AlpnProtocols: profile.ALPNProtocols}
	case 18: // signed_certificate_timestamp
		return &utls.SCTExtension{}
	case 23: // extended_master_secret
		return &utls.ExtendedMasterSecretExtension{}
	case 27: // compress_certificate
		compression := []utls.CertCompressionAlgo{}
		if profile.Features.CertCompressionBrotli {
			compression = append(compression, utls.CertCompressionBrotli)
		}
		return &utls.UtlsCompressCertExtension{Algorithms: compression}
	case 35: // session_ticket
		return &utls.SessionTicketExtension{}
	case 43: // supported_versions
		return &utls.SupportedVersionsExtension{Versions: []uint16{
			utls.GREASE_PLACEHOLDER,
			utls.VersionTLS13,
			utls.VersionTLS12,
		}}
	case 45: // psk_key_exchange_modes
		return &utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}}
	case 51: // key_share
		return &utls.KeyShareExtension{KeyShares: buildKeyShares(profile)}
	case 65281: // renegotiation_info
		return &utls.RenegotiationInfoExtension{Renegotiation: utls.RenegotiateOnceAsClient}
	case 65037: // encrypted_client_hello; Chrome sends a GREASE ECH payload
		// when no real ECH config is configured, which is HolyTLS's default.
		if profile.Features.ECHGrease {
			return &utls.UtlsGREASEExtension{}
		}
		return &utls.GenericExtension{Id: uint16(id)}
	case 17613: // application_settings (ALPS), new codepoint
		return &utls.ApplicationSettingsExtensionNew{SupportedProtocols: profile.ALPNProtocols}
	default:
		return &utls.GenericExtension{Id: uint16(id)}
	}
}

// buildExtensionsInProfileOrder parses Profile.ExtensionOrder (a
// dash-separated list of extension type IDs, with a leading and trailing
// GREASE entry implied by Features.GREASE) into the ordered extension list
// ApplyPreset needs. Chrome does not permute this order per connection —
// extension order is part of the JA3/JA4 fingerprint and must stay fixed.
func buildExtensionsInProfileOrder(profile *fingerprint.Profile) []utls.TLSExtension {
	ids := parseExtensionOrder(profile.ExtensionOrder)
	exts := make([]utls.TLSExtension, 0, len(ids)+2)

	if profile.Features.GREASE {
		exts = append(exts, &utls.UtlsGREASEExtension{})
	}
	for _, id := range ids {
		exts = append(exts, extensionByID(id, profile))
	}
	if profile.Features.GREASE {
		exts = append(exts, &utls.UtlsGREASEExtension{})
	}

	return exts
}

func parseExtensionOrder(order string) []int {
	ids := make([]int, 0, 16)
	start := 0
	for i := 0; i <= len(order); i++ {
		if i == len(order) || order[i] == '-' {
			if i > start {
				ids = append(ids, atoiSimple(order[start:i]))
			}
			start = i + 1
		}
	}
	return ids
}

func atoiSimple(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func toCurveIDs(groups []uint16) []utls.CurveID {
	out := make([]utls.CurveID, len(groups))
	for i, g := range groups {
		out[i] = utls.CurveID(g)
	}
	return out
}

func toSigSchemes(algs []uint16) []utls.SignatureScheme {
	out := make([]utls.SignatureScheme, len(algs))
	for i, a := range algs {
		out[i] = utls.SignatureScheme(a)
	}
	return out
}

// buildKeyShares generates profile.KeyShareCount key-share entries,
// preferring the modern hybrid/X25519 groups first, matching Chrome's
// practice of offering a post-quantum share alongside a classical one.
func buildKeyShares(profile *fingerprint.Profile) []utls.KeyShare {
	n := profile.KeyShareCount
	if n <= 0 {
		n = 1
	}
	if n > len(profile.SupportedGroups) {
		n = len(profile.SupportedGroups)
	}
	shares := make([]utls.KeyShare, n)
	for i := 0; i < n; i++ {
		shares[i] = utls.KeyShare{Group: utls.CurveID(profile.SupportedGroups[i])}
	}
	return shares
}
